// Package models defines core data structures for sources, queries, studies, and import events.
package models

import (
	"strings"

	"github.com/google/uuid"
)

// groupNamespace scopes name-based source group IDs.
var groupNamespace = uuid.MustParse("6f1c1e52-8a0d-4c61-9f0e-5d3b7c2a9e10")

// Source is one queryable endpoint: the local datastore or a remote archive.
type Source struct {
	Name      string  `json:"name" yaml:"name"`
	Local     bool    `json:"local,omitempty" yaml:"local"`
	Streaming bool    `json:"streaming,omitempty" yaml:"streaming"`
	Host      string  `json:"host,omitempty" yaml:"host"`
	AETitle   string  `json:"ae_title,omitempty" yaml:"ae_title"`
	Port      int     `json:"port,omitempty" yaml:"port"`
	RateLimit float64 `json:"rate_limit,omitempty" yaml:"rate_limit"` // requests per second; 0 = unlimited
}

// Endpoint returns the remote endpoint descriptor for the source.
func (s Source) Endpoint() Endpoint {
	return Endpoint{
		Name:      s.Name,
		Host:      s.Host,
		AETitle:   s.AETitle,
		Port:      s.Port,
		Streaming: s.Streaming,
		RateLimit: s.RateLimit,
	}
}

// Endpoint describes how to reach a remote archive.
type Endpoint struct {
	Name      string
	Host      string
	AETitle   string
	Port      int
	Streaming bool
	RateLimit float64
}

// SourceGroup is the ordered set of sources currently selected for querying.
// ID stays the same for the same ordered selection and changes when the selection changes.
type SourceGroup struct {
	ID      string   `json:"id"`
	Sources []Source `json:"sources"`
}

// NewSourceGroup builds a group and derives its ID from the ordered member names.
func NewSourceGroup(sources ...Source) *SourceGroup {
	names := make([]string, len(sources))
	for i, s := range sources {
		names[i] = s.Name
	}
	return &SourceGroup{
		ID:      uuid.NewSHA1(groupNamespace, []byte(strings.Join(names, "\x00"))).String(),
		Sources: append([]Source(nil), sources...),
	}
}

// IsLocal reports whether the group is exactly the local datastore.
func (g *SourceGroup) IsLocal() bool {
	return g != nil && len(g.Sources) == 1 && g.Sources[0].Local
}

// LocalSource returns the local datastore member of the group, if any.
func (g *SourceGroup) LocalSource() (Source, bool) {
	if g == nil {
		return Source{}, false
	}
	for _, s := range g.Sources {
		if s.Local {
			return s, true
		}
	}
	return Source{}, false
}

// Names returns the member names in group order.
func (g *SourceGroup) Names() []string {
	if g == nil {
		return nil
	}
	names := make([]string, len(g.Sources))
	for i, s := range g.Sources {
		names[i] = s.Name
	}
	return names
}

// Title is a human-readable label for the group.
func (g *SourceGroup) Title() string {
	if g.IsLocal() {
		return "Local datastore"
	}
	return strings.Join(g.Names(), ", ")
}
