// Package orchestrate drives complete pipeline runs: splitting a date range
// into chunks, running fetch, extract, map and combine per chunk with bounded
// parallelism, and fanning the chunk artifacts into the final reduce.
package orchestrate

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// DateLayout is the wire format of all date parameters and artifact names.
const DateLayout = "2006-01-02"

// Chunk is one contiguous slice of the run's date range. EndDate is
// exclusive.
type Chunk struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

// Days enumerates the chunk's days in order.
func (c Chunk) Days() ([]time.Time, error) {
	start, err := time.Parse(DateLayout, c.StartDate)
	if err != nil {
		return nil, fmt.Errorf("chunk start date: %w", err)
	}
	end, err := time.Parse(DateLayout, c.EndDate)
	if err != nil {
		return nil, fmt.Errorf("chunk end date: %w", err)
	}

	var days []time.Time
	for day := start; day.Before(end); day = day.AddDate(0, 0, 1) {
		days = append(days, day)
	}
	return days, nil
}

// RunDescriptor identifies one run and its chunk plan. It is serialized to
// JSON so external schedulers can fan chunks out as a job matrix and hand the
// run id to every task.
type RunDescriptor struct {
	RunID           string  `json:"run_id"`
	GlobalStartDate string  `json:"global_start_date"`
	GlobalEndDate   string  `json:"global_end_date"`
	Chunks          []Chunk `json:"chunks"`
}

// NewRunDescriptor plans a run over [start, end) with a fresh run id.
func NewRunDescriptor(start, end time.Time, chunkDays int) RunDescriptor {
	return RunDescriptor{
		RunID:           uuid.NewString(),
		GlobalStartDate: start.Format(DateLayout),
		GlobalEndDate:   end.Format(DateLayout),
		Chunks:          GenerateChunks(start, end, chunkDays),
	}
}

// GenerateChunks splits [start, end) into consecutive chunks of at most
// chunkDays days. The final chunk is shorter when the range does not divide
// evenly.
func GenerateChunks(start, end time.Time, chunkDays int) []Chunk {
	if chunkDays <= 0 {
		chunkDays = 1
	}

	var chunks []Chunk
	for cur := start; cur.Before(end); {
		next := cur.AddDate(0, 0, chunkDays)
		if next.After(end) {
			next = end
		}
		chunks = append(chunks, Chunk{
			StartDate: cur.Format(DateLayout),
			EndDate:   next.Format(DateLayout),
		})
		cur = next
	}
	return chunks
}

// Save writes the descriptor as JSON.
func (d RunDescriptor) Save(path string) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// LoadDescriptor reads a descriptor written by Save.
func LoadDescriptor(path string) (RunDescriptor, error) {
	var d RunDescriptor
	data, err := os.ReadFile(path)
	if err != nil {
		return d, err
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return d, fmt.Errorf("parse run descriptor %s: %w", path, err)
	}
	return d, nil
}
