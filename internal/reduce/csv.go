package reduce

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/openairframes/tracepipe/internal/aggregate"
)

// timeLayout is the timestamp format of published CSV artifacts.
const timeLayout = "2006-01-02T15:04:05.000Z"

var csvHeader = append([]string{"time", "icao"}, aggregate.IdentityColumns[:]...)

// WriteCSV writes records as a gzip-compressed CSV artifact. The file appears
// at path only after a complete write, via a temp file and rename.
func WriteCSV(records []aggregate.Record, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return err
	}

	err = func() error {
		gz := gzip.NewWriter(file)
		w := csv.NewWriter(gz)

		if err := w.Write(csvHeader); err != nil {
			return err
		}
		row := make([]string, len(csvHeader))
		for _, rec := range records {
			row[0] = time.UnixMilli(rec.TimeMS).UTC().Format(timeLayout)
			row[1] = rec.ICAO
			vals := identityValues(rec.Identity)
			copy(row[2:], vals[:])
			if err := w.Write(row); err != nil {
				return err
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return err
		}
		return gz.Close()
	}()
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write csv %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}

// ReadCSV reads a CSV artifact, transparently decompressing gzip. Columns are
// matched by header name, so older baselines with a column subset load with
// the missing attributes filled empty.
func ReadCSV(path string) ([]aggregate.Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	br := bufio.NewReader(file)
	var src io.Reader = br
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("read csv %s: %w", path, err)
		}
		defer gz.Close()
		src = gz
	}

	r := csv.NewReader(src)
	r.ReuseRecord = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header %s: %w", path, err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}
	if _, ok := col["icao"]; !ok {
		return nil, fmt.Errorf("read csv %s: no icao column", path)
	}

	field := func(row []string, name string) string {
		if i, ok := col[name]; ok && i < len(row) {
			return row[i]
		}
		return ""
	}

	var records []aggregate.Record
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv %s: %w", path, err)
		}

		rec := aggregate.Record{
			ICAO: field(row, "icao"),
			Identity: aggregate.Identity{
				DBFlags:      parseInt32(field(row, "dbFlags")),
				OwnOp:        field(row, "ownOp"),
				Year:         parseInt32(field(row, "year")),
				Desc:         field(row, "desc"),
				Category:     field(row, "category"),
				Registration: field(row, "r"),
				TypeCode:     field(row, "t"),
			},
		}
		if ts, err := time.Parse(timeLayout, field(row, "time")); err == nil {
			rec.TimeMS = ts.UnixMilli()
		}
		records = append(records, rec)
	}
	return records, nil
}

func identityValues(id aggregate.Identity) [aggregate.NumIdentityFields]string {
	return [aggregate.NumIdentityFields]string{
		strconv.FormatInt(int64(id.DBFlags), 10),
		id.OwnOp,
		strconv.FormatInt(int64(id.Year), 10),
		id.Desc,
		id.Category,
		id.Registration,
		id.TypeCode,
	}
}

func parseInt32(s string) int32 {
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0
	}
	return int32(n)
}
