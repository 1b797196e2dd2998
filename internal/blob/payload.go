// Package blob externalizes inline binary payloads into content-addressed
// storage and classifies strings found in records.
package blob

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const inlineScheme = "data:"

// ErrMalformedPayload is returned for strings that look like inline
// payloads but do not decode.
var ErrMalformedPayload = errors.New("malformed inline payload")

// Class is the result of classifying a string found in a record
type Class int

const (
	PlainText Class = iota
	InlinePayload
	OwnedReference
	ExternalReference
)

func (c Class) String() string {
	switch c {
	case InlinePayload:
		return "inline_payload"
	case OwnedReference:
		return "owned_reference"
	case ExternalReference:
		return "external_reference"
	default:
		return "plain_text"
	}
}

// Inline is a decoded inline payload.
type Inline struct {
	MediaType string
	Data      []byte
	Hash      string
}

// ContentHash returns the lowercase hex SHA-256 of data.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// LooksInline reports whether s carries the inline payload prefix
// (data:<type>/<subtype>...;base64,). It does not validate the payload.
func LooksInline(s string) bool {
	_, _, ok := splitInline(s)
	return ok
}

// ParseInline decodes a data:<type>/<subtype>[;param]*;base64,<payload>
// string. Standard padded base64 is required.
func ParseInline(s string) (*Inline, error) {
	mediaType, payload, ok := splitInline(s)
	if !ok {
		return nil, fmt.Errorf("%w: missing data:<type>;base64, prefix", ErrMalformedPayload)
	}

	data, err := base64.StdEncoding.Strict().DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	return &Inline{
		MediaType: mediaType,
		Data:      data,
		Hash:      ContentHash(data),
	}, nil
}

// EncodeInline builds an inline payload string.
func EncodeInline(mediaType string, data []byte) string {
	return inlineScheme + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func splitInline(s string) (mediaType, payload string, ok bool) {
	if len(s) < len(inlineScheme) || !strings.EqualFold(s[:len(inlineScheme)], inlineScheme) {
		return "", "", false
	}

	header, payload, found := strings.Cut(s[len(inlineScheme):], ",")
	if !found {
		return "", "", false
	}

	params := strings.Split(header, ";")
	if len(params) < 2 || !strings.EqualFold(params[len(params)-1], "base64") {
		return "", "", false
	}

	mediaType = strings.ToLower(params[0])
	if !validMediaType(mediaType) {
		return "", "", false
	}
	return mediaType, payload, true
}

func validMediaType(mt string) bool {
	typ, sub, ok := strings.Cut(mt, "/")
	return ok && isToken(typ) && isToken(sub)
}

func isToken(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case strings.ContainsRune("!#$&-^_.+", r):
		default:
			return false
		}
	}
	return true
}

// Classifier decides which strings the transformer may touch.
type Classifier struct {
	ownedPrefixes []string
	externalHosts []string
}

// DefaultOwnedPrefix is prepended to content hashes to form references.
const DefaultOwnedPrefix = "https://blobs/"

// DefaultExternalHosts are third-party media hosts whose URLs pass through.
var DefaultExternalHosts = []string{
	"storage.googleapis.com",
	"firebasestorage.googleapis.com",
	"oaidalleapiprodscus.blob.core.windows.net",
	"replicate.delivery",
}

// NewClassifier creates a classifier. Empty arguments fall back to the
// defaults.
func NewClassifier(ownedPrefixes, externalHosts []string) *Classifier {
	if len(ownedPrefixes) == 0 {
		ownedPrefixes = []string{DefaultOwnedPrefix}
	}
	if externalHosts == nil {
		externalHosts = DefaultExternalHosts
	}
	hosts := make([]string, len(externalHosts))
	for i, h := range externalHosts {
		hosts[i] = strings.ToLower(h)
	}
	return &Classifier{ownedPrefixes: ownedPrefixes, externalHosts: hosts}
}

// OwnedPrefix returns the prefix used for new references.
func (c *Classifier) OwnedPrefix() string {
	return c.ownedPrefixes[0]
}

// ClassifyString classifies s. Anything that is not unambiguously a
// payload or a known reference is PlainText.
func (c *Classifier) ClassifyString(s string) Class {
	if _, err := ParseInline(s); err == nil {
		return InlinePayload
	}
	if c.IsOwned(s) {
		return OwnedReference
	}
	if c.isExternal(s) {
		return ExternalReference
	}
	return PlainText
}

// IsOwned reports whether s is a reference into this system's blob store.
func (c *Classifier) IsOwned(s string) bool {
	_, ok := c.HashOf(s)
	return ok
}

// HashOf extracts the content hash from an owned reference.
func (c *Classifier) HashOf(ref string) (string, bool) {
	for _, p := range c.ownedPrefixes {
		if !strings.HasPrefix(ref, p) {
			continue
		}
		hash := ref[len(p):]
		if isHexHash(hash) {
			return hash, true
		}
	}
	return "", false
}

// Reference builds the owned reference for hash.
func (c *Classifier) Reference(hash string) string {
	return c.OwnedPrefix() + hash
}

func (c *Classifier) isExternal(s string) bool {
	if !strings.HasPrefix(s, "https://") && !strings.HasPrefix(s, "http://") {
		return false
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range c.externalHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

func isHexHash(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			return false
		}
	}
	return true
}
