package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/roach88/cloudsync/internal/config"
	"github.com/roach88/cloudsync/internal/record"
	"github.com/roach88/cloudsync/internal/remote"
)

// Scenario defines a sync scenario: a remote seeded with records, an engine
// configuration, a sequence of steps, and the expected outcome.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name" validate:"required,excludesall=/\\"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Config is inline CUE engine configuration.
	Config string `yaml:"config" validate:"required_without=ConfigFile"`

	// ConfigFile is a CUE configuration file, relative to the scenario.
	ConfigFile string `yaml:"config_file" validate:"excluded_with=Config"`

	// Remote configures the in-memory backend.
	Remote RemoteOptions `yaml:"remote"`

	// Seed lists records present remotely before the engine starts.
	Seed []RecordSpec `yaml:"seed" validate:"dive"`

	// Steps run in order after the engine's initial pull.
	Steps []Step `yaml:"steps" validate:"required,min=1,dive"`

	// Expect is checked against the final state.
	Expect Expect `yaml:"expect"`

	dir string // Directory of the scenario file
}

// RemoteOptions configures the in-memory backend. Zero values keep the
// backend defaults.
type RemoteOptions struct {
	ItemCeiling int `yaml:"item_ceiling" validate:"gte=0"`
	PageSize    int `yaml:"page_size" validate:"gte=0"`
}

// RecordSpec is a record with fields and relationship refs.
type RecordSpec struct {
	Type   string              `yaml:"type" validate:"required"`
	Key    string              `yaml:"key" validate:"required"`
	Fields map[string]any      `yaml:"fields,omitempty"`
	Refs   map[string][]string `yaml:"refs,omitempty"`
}

// LocalSpec is an expected local record.
type LocalSpec struct {
	RecordSpec `yaml:",inline"`

	// Dirty, when set, is the expected unacknowledged-change flag.
	Dirty *bool `yaml:"dirty,omitempty"`
}

// RecordKey names one record.
type RecordKey struct {
	Type string `yaml:"type" validate:"required"`
	Key  string `yaml:"key" validate:"required"`
}

// Step operations.
const (
	OpUpsert  = "upsert"
	OpDelete  = "delete"
	OpLink    = "link"
	OpSeed    = "seed"
	OpFail    = "fail"
	OpReject  = "reject"
	OpHold    = "hold"
	OpPush    = "push"
	OpPull    = "pull"
	OpNotify  = "notify"
	OpRestart = "restart"
)

// Step is one scenario action. Which fields apply depends on Op:
//
//   - upsert: type, key, fields
//   - delete: type, key
//   - link: type, key, property, target
//   - seed: records (written to the remote directly)
//   - fail: call, codes (one injected error per call), max_items
//   - reject: type, keys, code (per-item rejection by the remote)
//   - hold: later submissions stay in flight until the next restart
//   - push: push every pending local change
//   - pull: types (all when empty)
//   - notify: signal a remote change
//   - restart: stop the engine and start a new one on the same stores
type Step struct {
	Op string `yaml:"op" validate:"required,oneof=upsert delete link seed fail reject hold push pull notify restart"`

	Type     string         `yaml:"type,omitempty"`
	Key      string         `yaml:"key,omitempty"`
	Fields   map[string]any `yaml:"fields,omitempty"`
	Property string         `yaml:"property,omitempty"`
	Target   string         `yaml:"target,omitempty"`

	Records []RecordSpec `yaml:"records,omitempty" validate:"dive"`

	Call     string   `yaml:"call,omitempty" validate:"omitempty,oneof=submit query enumerate reattach"`
	Codes    []string `yaml:"codes,omitempty" validate:"dive,remotecode"`
	MaxItems int      `yaml:"max_items,omitempty" validate:"gte=0"`

	Keys []string `yaml:"keys,omitempty"`
	Code string   `yaml:"code,omitempty" validate:"omitempty,remotecode"`

	Types []string `yaml:"types,omitempty"`
}

// Expect is the expected outcome of a scenario. Every field is optional.
type Expect struct {
	// Remote records must exist with at least these fields; refs, when
	// given, must match per property.
	Remote       []RecordSpec `yaml:"remote" validate:"dive"`
	RemoteAbsent []RecordKey  `yaml:"remote_absent" validate:"dive"`

	// Local records must be live with at least these fields.
	Local       []LocalSpec `yaml:"local" validate:"dive"`
	LocalAbsent []RecordKey `yaml:"local_absent" validate:"dive"`

	// Pending is the number of unresolved relationships.
	Pending *int `yaml:"pending" validate:"omitempty,gte=0"`

	// Calls counts remote calls by kind.
	Calls map[string]int `yaml:"calls" validate:"dive,keys,oneof=submit query enumerate reattach,endkeys,gte=0"`

	// Events counts emitted events by kind.
	Events map[string]int `yaml:"events" validate:"dive,keys,oneof=localChangeReady remoteChangeDetected pullCompleted pushCompleted,endkeys,gte=0"`

	// Errors lists the error codes of failed events in trace order.
	Errors []string `yaml:"errors"`

	// Metrics maps "tag/phase" to a transition count.
	Metrics map[string]float64 `yaml:"metrics" validate:"dive,keys,contains=/,endkeys,gte=0"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(yamlName)
	_ = v.RegisterValidation("remotecode", validateRemoteCode)
	v.RegisterStructValidation(validateStep, Step{})
	return v
}

// yamlName reports fields by their YAML key.
func yamlName(fld reflect.StructField) string {
	name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
	if name == "-" {
		return ""
	}
	if name == "" {
		return fld.Name
	}
	return name
}

func validateRemoteCode(fl validator.FieldLevel) bool {
	return knownCode(remote.Code(fl.Field().String()))
}

func knownCode(c remote.Code) bool {
	switch c {
	case remote.CodeNetworkFailure, remote.CodeServiceUnavailable, remote.CodeRequestRateLimited,
		remote.CodeZoneBusy, remote.CodeLimitExceeded, remote.CodePayloadTooLarge,
		remote.CodePartialFailure, remote.CodeNotAuthenticated, remote.CodePermissionFailure,
		remote.CodeInvalidArguments, remote.CodeZoneNotFound, remote.CodeUserDeletedZone,
		remote.CodeQuotaExceeded, remote.CodeUnknownItem, remote.CodeUnknownOperation,
		remote.CodeCancelled:
		return true
	}
	return false
}

// validateStep checks the fields each operation requires.
func validateStep(sl validator.StructLevel) {
	s := sl.Current().Interface().(Step)
	require := func(ok bool, field, name string, value any) {
		if !ok {
			sl.ReportError(value, name, field, "required", s.Op)
		}
	}

	switch s.Op {
	case OpUpsert, OpDelete:
		require(s.Type != "", "Type", "type", s.Type)
		require(s.Key != "", "Key", "key", s.Key)
	case OpLink:
		require(s.Type != "", "Type", "type", s.Type)
		require(s.Key != "", "Key", "key", s.Key)
		require(s.Property != "", "Property", "property", s.Property)
		require(s.Target != "", "Target", "target", s.Target)
	case OpSeed:
		require(len(s.Records) > 0, "Records", "records", s.Records)
	case OpFail:
		require(s.Call != "", "Call", "call", s.Call)
		require(len(s.Codes) > 0, "Codes", "codes", s.Codes)
	case OpReject:
		require(s.Type != "", "Type", "type", s.Type)
		require(len(s.Keys) > 0, "Keys", "keys", s.Keys)
		require(s.Code != "", "Code", "code", s.Code)
	}
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data, filepath.Dir(path))
}

// ParseScenario parses scenario YAML. A config_file is resolved against
// dir.
func ParseScenario(data []byte, dir string) (*Scenario, error) {
	var sc Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&sc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	sc.dir = dir

	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &sc, nil
}

// Validate checks required fields and step ordering.
func (s *Scenario) Validate() error {
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		msgs := make([]string, len(verrs))
		for i, fe := range verrs {
			msgs[i] = describe(fe)
		}
		return errors.New(strings.Join(msgs, "; "))
	}

	// Held submissions never complete, so nothing may wait for the engine
	// to go idle until the restart that ends the hold.
	held := false
	for i, step := range s.Steps {
		switch step.Op {
		case OpHold:
			held = true
		case OpRestart:
			held = false
		case OpPush, OpPull, OpNotify:
			if held {
				return fmt.Errorf("steps[%d]: %s cannot run while operations are held", i, step.Op)
			}
		}
	}
	return nil
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Scenario.")
	switch fe.Tag() {
	case "required":
		if fe.Param() != "" {
			return fmt.Sprintf("%s is required for %s", field, fe.Param())
		}
		return fmt.Sprintf("%s is required", field)
	case "required_without":
		return "one of config or config_file is required"
	case "excluded_with":
		return "config and config_file are mutually exclusive"
	case "oneof":
		return fmt.Sprintf("%s: %v is not one of [%s]", field, fe.Value(), fe.Param())
	case "remotecode":
		return fmt.Sprintf("%s: unknown remote code %q", field, fe.Value())
	default:
		return fmt.Sprintf("%s: failed %s %s", field, fe.Tag(), fe.Param())
	}
}

// loadConfig compiles the scenario's engine configuration.
func (s *Scenario) loadConfig() (*config.Config, error) {
	if s.ConfigFile != "" {
		path := s.ConfigFile
		if !filepath.IsAbs(path) && s.dir != "" {
			path = filepath.Join(s.dir, path)
		}
		return config.Load(path)
	}
	return config.Parse([]byte(s.Config), s.Name+".cue")
}

func (r RecordSpec) remote() record.RemoteRecord {
	return record.RemoteRecord{
		Type:   record.RecordType(r.Type),
		Key:    r.Key,
		Fields: record.Fields(r.Fields),
		Refs:   record.Refs(r.Refs),
	}
}

func (r RecordSpec) ref() record.RecordRef {
	return record.RecordRef{Type: record.RecordType(r.Type), Key: r.Key}
}

func (k RecordKey) ref() record.RecordRef {
	return record.RecordRef{Type: record.RecordType(k.Type), Key: k.Key}
}

// target summarizes what a step acts on, for the trace.
func (s Step) target() string {
	switch s.Op {
	case OpUpsert, OpDelete:
		return s.Type + "/" + s.Key
	case OpLink:
		return s.Type + "/" + s.Key + "." + s.Property
	case OpFail:
		return s.Call
	case OpReject:
		return s.Type
	case OpPull:
		return strings.Join(s.Types, ",")
	}
	return ""
}
