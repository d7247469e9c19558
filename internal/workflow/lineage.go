package workflow

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/danshapiro/statflow/internal/analysis"
)

type LineageType string

const (
	LineageReliability  LineageType = "reliability"
	LineageExploratory  LineageType = "exploratory-factor"
	LineageConfirmatory LineageType = "confirmatory-factor"
)

// Lineage is the record a fired gate carries into the next guided stage.
// Optional members are omitted from the stored form when unset, so a restored
// record is indistinguishable from the one saved.
type Lineage struct {
	Type      LineageType       `json:"type"`
	Variables []string          `json:"variables"`
	Factors   []analysis.Factor `json:"factors,omitzero"`
	GoodItems []string          `json:"goodItems,omitzero"`
	Results   json.RawMessage   `json:"results,omitzero"`
}

// Unlocks is the guided stage this lineage leads to.
func (l *Lineage) Unlocks() Stage {
	if l == nil {
		return ""
	}
	switch l.Type {
	case LineageReliability:
		return StageExploratory
	case LineageExploratory:
		return StageConfirmatory
	case LineageConfirmatory:
		return StageStructural
	}
	return ""
}

// reachable reports whether a guided stage lies on the chain up to the stage
// this lineage unlocks.
func (l *Lineage) reachable(s Stage) bool {
	chain := []Stage{StageExploratory, StageConfirmatory, StageStructural}
	limit := slices.Index(chain, l.Unlocks())
	idx := slices.Index(chain, s)
	return limit >= 0 && idx >= 0 && idx <= limit
}

func (l *Lineage) clone() *Lineage {
	if l == nil {
		return nil
	}
	c := *l
	c.Variables = slices.Clone(l.Variables)
	c.GoodItems = slices.Clone(l.GoodItems)
	c.Results = slices.Clone(l.Results)
	if l.Factors != nil {
		c.Factors = make([]analysis.Factor, len(l.Factors))
		for i, f := range l.Factors {
			c.Factors[i] = analysis.Factor{Name: f.Name, Indicators: slices.Clone(f.Indicators)}
		}
	}
	return &c
}

func (l *Lineage) validate() error {
	switch l.Type {
	case LineageReliability, LineageExploratory, LineageConfirmatory:
	default:
		return fmt.Errorf("unknown lineage type %q", l.Type)
	}
	if len(l.Variables) == 0 {
		return fmt.Errorf("lineage has no variables")
	}
	if l.Type != LineageReliability && len(l.Factors) == 0 {
		return fmt.Errorf("%s lineage has no factors", l.Type)
	}
	return nil
}

const recordVersion = 1

// ErrCorrupt marks a stored record that cannot be trusted.
var ErrCorrupt = errors.New("lineage record is corrupt")

type envelope struct {
	Version  int             `json:"version"`
	Checksum string          `json:"checksum"`
	Record   json.RawMessage `json:"record"`
}

// EncodeLineage produces the stored form: the record plus a BLAKE3 checksum
// of its compact encoding.
func EncodeLineage(l *Lineage) ([]byte, error) {
	if l == nil {
		return nil, fmt.Errorf("lineage is nil")
	}
	rec, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(envelope{
		Version:  recordVersion,
		Checksum: checksum(rec),
		Record:   rec,
	}, "", "  ")
}

func DecodeLineage(b []byte) (*Lineage, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if env.Version != recordVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, env.Version)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, env.Record); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if got := checksum(compact.Bytes()); !strings.EqualFold(got, strings.TrimSpace(env.Checksum)) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	dec := json.NewDecoder(bytes.NewReader(compact.Bytes()))
	dec.DisallowUnknownFields()
	var l Lineage
	if err := dec.Decode(&l); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := l.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &l, nil
}

func checksum(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}
