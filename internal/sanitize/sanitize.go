// Package sanitize prepares an externalized record for the document store.
package sanitize

import (
	"errors"
	"fmt"

	"github.com/FairForge/assetvault/internal/blob"
	"github.com/FairForge/assetvault/internal/engine"
	"github.com/FairForge/assetvault/internal/record"
	"github.com/FairForge/assetvault/internal/transform"
)

// DefaultMaxDepth matches the nesting limit of common document stores.
const DefaultMaxDepth = 20

// Options tunes the sanitizer
type Options struct {
	MaxDepth int `yaml:"max_depth"`
}

// DefaultOptions returns the production settings
func DefaultOptions() Options {
	return Options{MaxDepth: DefaultMaxDepth}
}

// Validate checks option bounds
func (o Options) Validate() error {
	if o.MaxDepth < 1 {
		return engine.ErrConfig("sanitize.max_depth", "must be at least 1, got %d", o.MaxDepth)
	}
	return nil
}

// Sanitizer is safe for concurrent use; it holds no state besides options.
type Sanitizer struct {
	opts Options
}

// New creates a sanitizer
func New(opts Options) (*Sanitizer, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Sanitizer{opts: opts}, nil
}

// Sanitize sanitizes with DefaultOptions
func Sanitize(rec record.Value, failures []transform.Failure) (record.Value, error) {
	return (&Sanitizer{opts: DefaultOptions()}).Sanitize(rec, failures)
}

// Sanitize returns a cleaned copy of rec. Nulls are dropped from maps and
// arrays, maps left empty collapse to null, and key and element order is
// kept. Any externalization failure fails the whole record, as does any
// remaining inline payload, non-finite number or excessive nesting.
func (s *Sanitizer) Sanitize(rec record.Value, failures []transform.Failure) (record.Value, error) {
	if len(failures) > 0 {
		paths := make([]string, len(failures))
		for i, f := range failures {
			paths[i] = f.Path
		}
		return record.Null(), &engine.PermanentAssetError{
			Paths:  paths,
			Reason: fmt.Sprintf("%d payloads were not externalized", len(failures)),
			Err:    engine.ErrInlinePayload,
		}
	}

	c := &cleaner{maxDepth: s.opts.MaxDepth}
	out, _ := c.clean(nil, rec, 0)
	if err := c.err(); err != nil {
		return record.Null(), err
	}
	return out, nil
}

type cleaner struct {
	maxDepth  int
	inline    []string
	nonFinite []string
	tooDeep   []string
}

// clean returns the cleaned node and false when it should be dropped.
func (c *cleaner) clean(p record.Path, v record.Value, depth int) (record.Value, bool) {
	switch v.Kind() {
	case record.KindNull:
		return v, false
	case record.KindString:
		if s, _ := v.AsString(); blob.LooksInline(s) {
			c.inline = append(c.inline, p.String())
		}
		return v, true
	case record.KindNumber:
		if !v.IsFinite() {
			c.nonFinite = append(c.nonFinite, p.String())
		}
		return v, true
	case record.KindBool:
		return v, true
	}

	depth++
	if depth > c.maxDepth {
		c.tooDeep = append(c.tooDeep, p.String())
		return v, true
	}

	if v.IsArray() {
		elems := make([]record.Value, 0, v.Len())
		for i, e := range v.Elements() {
			if ce, keep := c.clean(p.Index(i), e, depth); keep {
				elems = append(elems, ce)
			}
		}
		return record.Array(elems...), true
	}

	fields := make([]record.Field, 0, v.Len())
	for _, f := range v.Fields() {
		if cv, keep := c.clean(p.Key(f.Key), f.Value, depth); keep {
			fields = append(fields, record.F(f.Key, cv))
		}
	}
	if len(fields) == 0 {
		return record.Null(), false
	}
	return record.Map(fields...), true
}

func (c *cleaner) err() error {
	var errs []error
	if len(c.inline) > 0 {
		errs = append(errs, &engine.PermanentAssetError{
			Paths:  c.inline,
			Reason: "inline payload present",
			Err:    engine.ErrInlinePayload,
		})
	}
	if len(c.nonFinite) > 0 {
		errs = append(errs, &engine.PermanentAssetError{
			Paths:  c.nonFinite,
			Reason: "non-finite number",
			Err:    record.ErrNonFinite,
		})
	}
	if len(c.tooDeep) > 0 {
		errs = append(errs, &engine.PermanentAssetError{
			Paths:  c.tooDeep,
			Reason: fmt.Sprintf("nesting exceeds %d levels", c.maxDepth),
			Err:    engine.ErrInvalidInput,
		})
	}
	return errors.Join(errs...)
}
