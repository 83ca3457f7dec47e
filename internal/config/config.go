// Package config loads engine configuration from CUE files.
//
// A file is unified with the embedded #Config schema, so structural errors
// (unknown fields, wrong types, out-of-range numbers) are reported by CUE
// with positions. Semantic checks that need the whole configuration run
// afterwards and report every problem at once.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"golang.org/x/time/rate"

	"github.com/roach88/cloudsync/internal/adaptor"
	"github.com/roach88/cloudsync/internal/engine"
	"github.com/roach88/cloudsync/internal/record"
	"github.com/roach88/cloudsync/internal/store"
)

//go:embed schema.cue
var schemaSource string

// Config is a validated engine configuration.
type Config struct {
	Types       []RecordType
	Retry       Retry
	MaxItems    int
	RateLimit   *RateLimit
	PendingTTL  time.Duration
	Parallelism int
}

// RecordType configures one synced record type.
type RecordType struct {
	Name          record.RecordType
	Predicate     record.Predicate
	Relationships []Relationship // Sorted by property
}

// Relationship is a collection property holding records of Target type.
type Relationship struct {
	Property string
	Target   record.RecordType
}

// Retry configures transient-failure handling.
type Retry struct {
	Base     time.Duration
	Max      time.Duration
	Attempts int
}

// RateLimit bounds remote calls.
type RateLimit struct {
	PerSecond float64
	Burst     int
}

// rawConfig mirrors #Config for decoding.
type rawConfig struct {
	Retry struct {
		Base     string `json:"base"`
		Max      string `json:"max"`
		Attempts int    `json:"attempts"`
	} `json:"retry"`
	MaxItems  int `json:"max_items"`
	RateLimit *struct {
		PerSecond float64 `json:"per_second"`
		Burst     int     `json:"burst"`
	} `json:"rate_limit"`
	PendingTTL  string `json:"pending_ttl"`
	Parallelism int    `json:"parallelism"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data, path)
}

// Parse validates CUE source against #Config and compiles it.
func Parse(data []byte, filename string) (*Config, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	user := ctx.CompileBytes(data, cue.Filename(filename))
	if err := user.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(user)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	cfg, err := compile(v)
	if err != nil {
		return nil, err
	}
	if errs := Validate(cfg); len(errs) > 0 {
		return nil, errs
	}
	return cfg, nil
}

func compile(v cue.Value) (*Config, error) {
	var raw rawConfig
	if err := v.Decode(&raw); err != nil {
		return nil, formatCUEError(err)
	}

	cfg := &Config{
		MaxItems:    raw.MaxItems,
		Parallelism: raw.Parallelism,
		Retry:       Retry{Attempts: raw.Retry.Attempts},
	}
	var err error
	if cfg.Retry.Base, err = parseDuration("retry.base", raw.Retry.Base); err != nil {
		return nil, err
	}
	if cfg.Retry.Max, err = parseDuration("retry.max", raw.Retry.Max); err != nil {
		return nil, err
	}
	if cfg.PendingTTL, err = parseDuration("pending_ttl", raw.PendingTTL); err != nil {
		return nil, err
	}
	if raw.RateLimit != nil {
		cfg.RateLimit = &RateLimit{PerSecond: raw.RateLimit.PerSecond, Burst: raw.RateLimit.Burst}
	}

	cfg.Types, err = parseTypes(v.LookupPath(cue.ParsePath("types")))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseTypes keeps declaration order: it is the engine's registration order.
func parseTypes(v cue.Value) ([]RecordType, error) {
	iter, err := v.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var types []RecordType
	for iter.Next() {
		tv := iter.Value()
		rt := RecordType{Name: record.RecordType(iter.Selector().Unquoted())}

		pred, err := tv.LookupPath(cue.ParsePath("predicate")).String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		rt.Predicate = record.Predicate(pred).Normalize()

		rels, err := tv.LookupPath(cue.ParsePath("relationships")).Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for rels.Next() {
			target, err := rels.Value().String()
			if err != nil {
				return nil, formatCUEError(err)
			}
			rt.Relationships = append(rt.Relationships, Relationship{
				Property: rels.Selector().Unquoted(),
				Target:   record.RecordType(target),
			})
		}
		sortRelationships(rt.Relationships)
		types = append(types, rt)
	}
	return types, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, &CompileError{Field: field, Message: err.Error()}
	}
	return d, nil
}

// EngineOptions converts the configuration to engine options.
func (c *Config) EngineOptions() []engine.Option {
	opts := []engine.Option{
		engine.WithClassifier(engine.Classifier{
			RetryBase: c.Retry.Base,
			RetryMax:  c.Retry.Max,
			MaxItems:  c.MaxItems,
		}),
		engine.WithMaxAttempts(c.Retry.Attempts),
		engine.WithParallelism(c.Parallelism),
	}
	if c.PendingTTL > 0 {
		opts = append(opts, engine.WithPendingTTL(c.PendingTTL))
	}
	if c.RateLimit != nil {
		opts = append(opts, engine.WithRateLimit(rate.Limit(c.RateLimit.PerSecond), c.RateLimit.Burst))
	}
	return opts
}

// Tables builds one adaptor table per configured type, in declaration
// order.
func (c *Config) Tables(s *store.Store) []*adaptor.Table {
	tables := make([]*adaptor.Table, len(c.Types))
	for i, rt := range c.Types {
		opts := []adaptor.Option{adaptor.WithPredicate(rt.Predicate)}
		for _, rel := range rt.Relationships {
			opts = append(opts, adaptor.WithRelationship(rel.Property, rel.Target))
		}
		tables[i] = adaptor.New(s, rt.Name, opts...)
	}
	return tables
}

// SyncObjects returns the tables as engine SyncObjects.
func SyncObjects(tables []*adaptor.Table) []engine.SyncObject {
	objs := make([]engine.SyncObject, len(tables))
	for i, t := range tables {
		objs[i] = t
	}
	return objs
}
