package recon

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"

	"CommitrakCRM/api/constants"
	"CommitrakCRM/api/recon/pipeline"
)

// statementFile is a parsed carrier statement: one header row plus records.
type statementFile struct {
	Header  []string
	Records [][]string
	Hash    string
	Raw     []byte
}

// parseStatementFile reads an uploaded statement in CSV, XLSX or XLS form.
// The SHA-256 of the original bytes is kept for upload idempotency and
// archival.
func parseStatementFile(r io.Reader, filename string) (*statementFile, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if len(raw) == 0 {
		return nil, errors.New(constants.ErrEmptyStatement)
	}
	sum := sha256.Sum256(raw)

	var header []string
	var records [][]string
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xlsx":
		header, records, err = parseXLSX(raw)
	case ".xls":
		header, records, err = parseXLS(raw)
	case ".csv", ".txt", "":
		header, records, err = parseCSV(raw)
	default:
		return nil, errors.New(constants.ErrUnsupportedFileType)
	}
	if err != nil {
		return nil, err
	}
	if len(header) == 0 {
		return nil, errors.New(constants.ErrNoHeaderRow)
	}
	return &statementFile{
		Header:  header,
		Records: records,
		Hash:    hex.EncodeToString(sum[:]),
		Raw:     raw,
	}, nil
}

func parseCSV(raw []byte) ([]string, [][]string, error) {
	text, err := pipeline.DecodeStatementBytes(raw)
	if err != nil {
		return nil, nil, err
	}
	reader := csv.NewReader(strings.NewReader(text))
	reader.FieldsPerRecord = -1 // carrier exports pad rows unevenly
	reader.TrimLeadingSpace = true
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("parse csv: %w", err)
	}
	return splitHeader(rows)
}

func parseXLSX(raw []byte) ([]string, [][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil, fmt.Errorf("xlsx has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, nil, fmt.Errorf("read xlsx rows: %w", err)
	}
	return splitHeader(rows)
}

func parseXLS(raw []byte) ([]string, [][]string, error) {
	wb, err := xls.OpenReader(bytes.NewReader(raw), "utf-8")
	if err != nil {
		return nil, nil, fmt.Errorf("open xls: %w", err)
	}
	sheet := wb.GetSheet(0)
	if sheet == nil {
		return nil, nil, fmt.Errorf("xls has no sheets")
	}
	var rows [][]string
	for i := 0; i <= int(sheet.MaxRow); i++ {
		row := sheet.Row(i)
		if row == nil {
			continue
		}
		var cells []string
		for c := row.FirstCol(); c < row.LastCol(); c++ {
			cells = append(cells, row.Col(c))
		}
		rows = append(rows, cells)
	}
	return splitHeader(rows)
}

func splitHeader(rows [][]string) ([]string, [][]string, error) {
	// Skip leading blank lines some carriers emit above the header.
	for i, row := range rows {
		if !blankRow(row) {
			return row, dropBlankRows(rows[i+1:]), nil
		}
	}
	return nil, nil, errors.New(constants.ErrNoHeaderRow)
}

func blankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func dropBlankRows(rows [][]string) [][]string {
	out := rows[:0:0]
	for _, row := range rows {
		if !blankRow(row) {
			out = append(out, row)
		}
	}
	return out
}
