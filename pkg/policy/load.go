package policy

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/wilhg/ckpt/pkg/errmodel"
)

//go:embed schema.json
var documentSchema []byte

const schemaURL = "mem://checkpointing.schema.json"

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	var doc any
	if err := json.Unmarshal(documentSchema, &doc); err != nil {
		return nil, err
	}
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, err
	}
	return c.Compile(schemaURL)
})

// section mirrors one operation-kind block of the checkpointing document.
type section struct {
	IntervalSeconds          float64 `yaml:"checkpoint_interval_seconds"`
	ForceEveryN              int     `yaml:"force_checkpoint_every_n"`
	DeleteOnCompletion       bool    `yaml:"delete_on_completion"`
	CheckpointOnFailure      bool    `yaml:"checkpoint_on_failure"`
	CheckpointOnCancellation bool    `yaml:"checkpoint_on_cancellation"`
	FailOnCheckpointError    bool    `yaml:"fail_on_checkpoint_error"`
}

type document struct {
	Checkpointing map[string]section `yaml:"checkpointing"`
}

// LoadFile reads policies from a YAML (or JSON) document on disk.
// A missing file is a config error with code "not_found".
func LoadFile(path string, required ...Kind) (map[Kind]Policy, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errmodel.Config("not_found", "policy source does not exist", map[string]any{"path": path}, err)
		}
		return nil, errmodel.Config("unreadable", "cannot open policy source", map[string]any{"path": path}, err)
	}
	defer f.Close()
	return Load(f, required...)
}

// Load parses the top-level checkpointing section and returns one validated
// Policy per kind. Every kind in required (DefaultKinds when empty) must be present.
func Load(r io.Reader, required ...Kind) (map[Kind]Policy, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, errmodel.Config("unreadable", "cannot read policy source", nil, err)
	}
	if len(required) == 0 {
		required = DefaultKinds
	}

	var generic map[string]any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, errmodel.Parse("malformed", "policy source is not valid YAML", nil, err)
	}
	if err := validateDocument(generic); err != nil {
		return nil, err
	}

	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, errmodel.Parse("malformed", "policy source does not match the expected layout", nil, err)
	}

	var missing []string
	for _, k := range required {
		if _, ok := doc.Checkpointing[string(k)]; !ok {
			missing = append(missing, string(k))
		}
	}
	if len(missing) > 0 {
		return nil, errmodel.Validation("missing_section", "required checkpointing sections are absent",
			map[string]any{"kinds": strings.Join(missing, ",")})
	}

	out := make(map[Kind]Policy, len(doc.Checkpointing))
	names := make([]string, 0, len(doc.Checkpointing))
	for name := range doc.Checkpointing {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s := doc.Checkpointing[name]
		var opts []Option
		if s.DeleteOnCompletion {
			opts = append(opts, DeleteOnCompletion())
		}
		if s.CheckpointOnFailure {
			opts = append(opts, CheckpointOnFailure())
		}
		if s.CheckpointOnCancellation {
			opts = append(opts, CheckpointOnCancellation())
		}
		if s.FailOnCheckpointError {
			opts = append(opts, FailOnCheckpointError())
		}
		interval := time.Duration(s.IntervalSeconds * float64(time.Second))
		p, err := New(Kind(name), interval, s.ForceEveryN, opts...)
		if err != nil {
			return nil, err
		}
		out[p.Kind] = p
	}
	return out, nil
}

// validateDocument checks the decoded document against the embedded JSON schema
// and reports every violation as a separate cause.
func validateDocument(doc map[string]any) error {
	sch, err := compiledSchema()
	if err != nil {
		return errmodel.Config("schema", "embedded policy schema does not compile", nil, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	// Normalize YAML scalars to their JSON forms before validation.
	b, err := json.Marshal(doc)
	if err != nil {
		return errmodel.Parse("malformed", "policy source contains non-JSON values", nil, err)
	}
	v, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		return errmodel.Parse("malformed", "policy source contains non-JSON values", nil, err)
	}
	if err := sch.Validate(v); err != nil {
		causes := schemaViolations(err)
		return errmodel.Validation("invalid_policy", fmt.Sprintf("policy source has %d schema violation(s)", len(causes)), nil, causes...)
	}
	return nil
}

var printer = message.NewPrinter(language.English)

// schemaViolations flattens a validation error tree into one error per leaf.
func schemaViolations(err error) []error {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []error{err}
	}
	var out []error
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, fmt.Errorf("at %q: %s", "/"+strings.Join(e.InstanceLocation, "/"), e.ErrorKind.LocalizedString(printer)))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}
