// Package h4 drives the combinatorial-barcode demultiplexer: it loads
// the configuration document, wires splitters, tables and writers, and
// runs the match/emit pipeline.
package h4

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/tidwall/jsonc"
)

// BarcodeSpec configures one barcode table.
type BarcodeSpec struct {
	File       string `json:"file"`
	UnclearTag string `json:"unclear_tag"`
	CodeLetter string `json:"code_letter,omitempty"`
	SortByTag  bool   `json:"sort_by_tag,omitempty"`
}

// Config is the H4 configuration document.
type Config struct {
	Range       string `json:"range"`
	PoolThreads int    `json:"pool_threads"`
	Barcodes    struct {
		Root    string      `json:"root"`
		A       BarcodeSpec `json:"A"`
		B       BarcodeSpec `json:"B"`
		C       BarcodeSpec `json:"C"`
		D       BarcodeSpec `json:"D"`
		Plate   BarcodeSpec `json:"plate"`
		Stagger BarcodeSpec `json:"stagger"`
	} `json:"barcodes"`
	Reads struct {
		Root string `json:"root"`
		R1   string `json:"R1"`
		R2   string `json:"R2"`
		R3   string `json:"R3"`
		R4   string `json:"R4"`
		I1   string `json:"I1"`
	} `json:"reads"`
	Output struct {
		Root string `json:"root"`
		R1   string `json:"R1"`
		R2   string `json:"R2"`
	} `json:"output"`

	effective []byte // document after comment stripping and overrides
}

// LoadConfig reads a JSON (or JSON-with-comments) document and applies
// the --replace overrides: each override is itself a JSON object mapping
// RFC 6901 pointers to replacement values.
func LoadConfig(path string, replaces []string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	return ParseConfig(raw, replaces)
}

// ParseConfig parses a configuration document from memory.
func ParseConfig(raw []byte, replaces []string) (*Config, error) {
	doc := jsonc.ToJSON(raw)
	var err error
	for _, r := range replaces {
		if doc, err = applyReplace(doc, r); err != nil {
			return nil, err
		}
	}
	cfg := &Config{}
	if err := json.Unmarshal(doc, cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.effective = doc
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyReplace turns a {"/pointer": value, ...} object into an RFC 6902
// add patch (add replaces existing object members) and applies it.
func applyReplace(doc []byte, replace string) ([]byte, error) {
	var kv map[string]json.RawMessage
	if err := json.Unmarshal([]byte(replace), &kv); err != nil {
		return nil, fmt.Errorf("--replace %q: %w", replace, err)
	}
	type op struct {
		Op    string          `json:"op"`
		Path  string          `json:"path"`
		Value json.RawMessage `json:"value"`
	}
	ops := make([]op, 0, len(kv))
	for ptr, val := range kv {
		ops = append(ops, op{Op: "add", Path: ptr, Value: val})
	}
	patchDoc, err := json.Marshal(ops)
	if err != nil {
		return nil, err
	}
	patch, err := jsonpatch.DecodePatch(patchDoc)
	if err != nil {
		return nil, fmt.Errorf("--replace %q: %w", replace, err)
	}
	out, err := patch.Apply(doc)
	if err != nil {
		return nil, fmt.Errorf("--replace %q: %w", replace, err)
	}
	return out, nil
}

func (c *Config) validate() error {
	if _, _, err := ParseRange(c.Range); err != nil {
		return err
	}
	for name, f := range map[string]string{
		"barcodes.A": c.Barcodes.A.File, "barcodes.B": c.Barcodes.B.File,
		"barcodes.C": c.Barcodes.C.File, "barcodes.D": c.Barcodes.D.File,
	} {
		if f == "" {
			return fmt.Errorf("config: missing %s.file", name)
		}
	}
	for name, f := range map[string]string{
		"reads.R1": c.Reads.R1, "reads.R2": c.Reads.R2,
		"reads.R3": c.Reads.R3, "reads.R4": c.Reads.R4,
	} {
		if f == "" {
			return fmt.Errorf("config: missing %s", name)
		}
	}
	if c.HasPlate() && c.Reads.I1 == "" {
		return fmt.Errorf("config: plate barcodes require reads.I1")
	}
	// An output-less configuration is still loadable: --dry reviews it.
	return nil
}

// HasPlate reports whether the plate dimension is enabled.
func (c *Config) HasPlate() bool { return c.Barcodes.Plate.File != "" }

// HasStagger reports whether stagger detection is enabled.
func (c *Config) HasStagger() bool { return c.Barcodes.Stagger.File != "" }

// BarcodePath resolves a barcode file against the barcode root.
func (c *Config) BarcodePath(file string) string {
	return filepath.Join(ExpandHome(c.Barcodes.Root), file)
}

// ReadPath resolves a read file against the reads root.
func (c *Config) ReadPath(file string) string {
	return filepath.Join(ExpandHome(c.Reads.Root), file)
}

// OutputRoot returns the expanded output directory.
func (c *Config) OutputRoot() string { return ExpandHome(c.Output.Root) }

// WriteEffective persists the effective document (after overrides) to
// dir/H4.json for reference.
func (c *Config) WriteEffective(dir string) error {
	if err := os.WriteFile(filepath.Join(dir, "H4.json"), c.effective, 0o644); err != nil {
		return fmt.Errorf("persisting configuration: %w", err)
	}
	return nil
}

// ExpandHome replaces a leading "~/" with the user home directory.
func ExpandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// ParseRange parses the read range grammar:
//
//	"N"    -> [N, inf)
//	"A-B"  -> [A, B)
//	"A:N"  -> [A, A+N)
//
// The empty string selects everything.
func ParseRange(s string) (lo, hi int64, err error) {
	const inf = int64(1) << 62
	if s == "" {
		return 0, inf, nil
	}
	cut := strings.IndexAny(s, "-:")
	if cut < 0 {
		lo, err = strconv.ParseInt(s, 10, 64)
		if err != nil || lo < 0 {
			return 0, 0, fmt.Errorf("cannot parse range %q", s)
		}
		return lo, inf, nil
	}
	lo, err = strconv.ParseInt(s[:cut], 10, 64)
	if err != nil || lo < 0 {
		return 0, 0, fmt.Errorf("cannot parse range %q", s)
	}
	n, err := strconv.ParseInt(s[cut+1:], 10, 64)
	if err != nil || n < 0 {
		return 0, 0, fmt.Errorf("cannot parse range %q", s)
	}
	if s[cut] == ':' {
		hi = lo + n
	} else {
		hi = n
	}
	if lo >= hi {
		return 0, 0, fmt.Errorf("invalid range %q", s)
	}
	return lo, hi, nil
}
