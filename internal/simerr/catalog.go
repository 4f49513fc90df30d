package simerr

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// CatalogSchemaV1 tags the yaml layout for hint catalog documents.
const CatalogSchemaV1 = "plansim.hints.v1"

// Signature matches a known failure shape against the underlying error text
// and contributes resolution hints when it fires.
type Signature struct {
	ID      string
	Pattern *regexp.Regexp
	Hints   []string
}

// Catalog is an ordered list of known failure signatures. Matching is
// first-to-last; every matching signature contributes its hints.
type Catalog struct {
	signatures []Signature
}

type catalogSpec struct {
	Schema     string          `yaml:"schema"`
	Signatures []signatureSpec `yaml:"signatures"`
}

type signatureSpec struct {
	ID      string   `yaml:"id"`
	Pattern string   `yaml:"pattern"`
	Hints   []string `yaml:"hints"`
}

// DefaultCatalog covers the failure shapes the orchestrator produces itself
// plus common external-engine messages.
func DefaultCatalog() *Catalog {
	return mustCatalog([]Signature{
		sig("database-lock", `(?i)(deadlock|database is locked|lock timeout)`,
			"another process holds the compute database lock; retry after it releases",
			"check for a concurrent run against the same scenario database"),
		sig("missing-parameter", `(?i)(missing required parameter|required variable .* not set)`,
			"add the named parameter to the resolved configuration before rerunning"),
		sig("config-drift", `configuration hash .* does not match`,
			"the configuration changed since the checkpoint was written",
			"rerun without --resume, or restore the original configuration"),
		sig("checkpoint-corrupt", `(?i)checkpoint .*(corrupt|unreadable|structural hash)`,
			"remove the corrupted checkpoint with 'plansim checkpoints cleanup' and resume from the previous stage"),
		sig("memory-pressure", `(?i)(out of memory|cannot allocate|memory limit)`,
			"lower PLANSIM_THREADS_MAX or the scenario's thread override",
			"reduce shard batch size to shrink the per-task working set"),
		sig("network", `(?i)(connection refused|no such host|i/o timeout)`,
			"verify the compute engine endpoint is reachable from this host"),
	})
}

// ParseCatalog loads additional signatures from a yaml document.
func ParseCatalog(input []byte) (*Catalog, error) {
	var spec catalogSpec
	if err := yaml.Unmarshal(input, &spec); err != nil {
		return nil, fmt.Errorf("decode hint catalog: %w", err)
	}
	if strings.TrimSpace(spec.Schema) != CatalogSchemaV1 {
		return nil, fmt.Errorf("unsupported hint catalog schema %q", spec.Schema)
	}
	signatures := make([]Signature, 0, len(spec.Signatures))
	for i, entry := range spec.Signatures {
		id := strings.TrimSpace(entry.ID)
		if id == "" {
			return nil, fmt.Errorf("signature %d: id is required", i)
		}
		if strings.TrimSpace(entry.Pattern) == "" {
			return nil, fmt.Errorf("signature %q: pattern is required", id)
		}
		pattern, err := regexp.Compile(entry.Pattern)
		if err != nil {
			return nil, fmt.Errorf("signature %q: %w", id, err)
		}
		if len(entry.Hints) == 0 {
			return nil, fmt.Errorf("signature %q: at least one hint is required", id)
		}
		signatures = append(signatures, Signature{ID: id, Pattern: pattern, Hints: entry.Hints})
	}
	return &Catalog{signatures: signatures}, nil
}

// Merge returns a catalog that consults c first, then other.
func (c *Catalog) Merge(other *Catalog) *Catalog {
	if other == nil {
		return c
	}
	merged := make([]Signature, 0, len(c.signatures)+len(other.signatures))
	merged = append(merged, c.signatures...)
	merged = append(merged, other.signatures...)
	return &Catalog{signatures: merged}
}

// Hints returns the resolution hints for every signature matching the error
// text, in catalog order.
func (c *Catalog) Hints(err error) []string {
	if c == nil || err == nil {
		return nil
	}
	text := err.Error()
	var hints []string
	for _, signature := range c.signatures {
		if signature.Pattern.MatchString(text) {
			hints = append(hints, signature.Hints...)
		}
	}
	return hints
}

// Annotate attaches any matching hints to a structured error. Errors with no
// matching signature pass through unchanged.
func (c *Catalog) Annotate(err *Error) *Error {
	if err == nil {
		return nil
	}
	hints := c.Hints(err)
	if len(hints) == 0 {
		return err
	}
	return err.WithHints(hints...)
}

func sig(id, pattern string, hints ...string) Signature {
	return Signature{ID: id, Pattern: regexp.MustCompile(pattern), Hints: hints}
}

func mustCatalog(signatures []Signature) *Catalog {
	return &Catalog{signatures: signatures}
}
