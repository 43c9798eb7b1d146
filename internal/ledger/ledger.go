package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/iambrandonn/pepper/internal/eventlog"
	"github.com/iambrandonn/pepper/internal/ndjson"
	"github.com/iambrandonn/pepper/internal/progress"
)

// Ledger is a parsed run event log
type Ledger struct {
	Records []eventlog.Record
	// Torn is set when the last line was cut short, as happens when the
	// process dies mid-write. The partial line is dropped.
	Torn bool
}

// ReadLedger reads and parses an NDJSON event log. A malformed line is an
// error unless it is the last one.
func ReadLedger(path string) (*Ledger, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	defer file.Close()

	return Parse(file)
}

// Parse reads a ledger from r
func Parse(r io.Reader) (*Ledger, error) {
	ledger := &Ledger{Records: make([]eventlog.Record, 0)}
	reader := ndjson.NewLineReader(r, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var pending error
	for {
		line, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading ledger: %w", err)
		}
		if pending != nil {
			return nil, pending
		}

		var rec eventlog.Record
		if err := json.Unmarshal(line, &rec); err != nil || rec.Type == "" {
			if err == nil {
				err = errors.New("missing type")
			}
			pending = fmt.Errorf("line %d: failed to parse record: %w", reader.LineNum(), err)
			continue
		}
		ledger.Records = append(ledger.Records, rec)
	}

	ledger.Torn = pending != nil
	return ledger, nil
}

// Phases returns the phase tags announced by the pipeline, in the order
// they first appeared
func (l *Ledger) Phases() []string {
	seen := map[string]bool{}
	var phases []string
	for _, rec := range l.Records {
		if rec.Type != progress.EventPhase {
			continue
		}
		phase, _ := rec.Data["phase"].(string)
		if phase == "" || seen[phase] {
			continue
		}
		seen[phase] = true
		phases = append(phases, phase)
	}
	return phases
}

// TotalCost sums every cost event
func (l *Ledger) TotalCost() float64 {
	var total float64
	for _, rec := range l.Records {
		if rec.Type != progress.EventCost {
			continue
		}
		if cost, ok := rec.Data["cost"].(float64); ok {
			total += cost
		}
	}
	return total
}

// Warnings returns the message of every warning event
func (l *Ledger) Warnings() []string {
	var out []string
	for _, rec := range l.Records {
		if rec.Type != progress.EventWarning {
			continue
		}
		if msg, ok := rec.Data["message"].(string); ok && msg != "" {
			out = append(out, msg)
		}
	}
	return out
}
