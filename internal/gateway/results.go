package gateway

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"query-orchestrator/internal/models"
)

type objectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Results fetches CSV result files the platform writes to object storage.
type S3Results struct {
	client objectGetter
}

// NewS3Results builds an S3 client for region, pointing at endpoint when set
// (MinIO and other S3-compatible stores).
func NewS3Results(ctx context.Context, region, endpoint string) (*S3Results, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Results{client: client}, nil
}

// Fetch downloads and parses the result set at an s3://bucket/key location.
func (r *S3Results) Fetch(ctx context.Context, location string) (models.ResultSet, error) {
	bucket, key, err := splitLocation(location)
	if err != nil {
		return models.ResultSet{}, err
	}
	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	var missing *types.NoSuchKey
	if errors.As(err, &missing) {
		return models.ResultSet{}, &models.DataError{Err: fmt.Errorf("result %s does not exist", location)}
	}
	if err != nil {
		return models.ResultSet{}, &models.TransientError{Kind: models.TransientNetwork, Err: fmt.Errorf("get %s: %w", location, err)}
	}
	defer out.Body.Close()
	return ParseCSV(out.Body)
}

func splitLocation(location string) (string, string, error) {
	rest, ok := strings.CutPrefix(location, "s3://")
	if !ok {
		return "", "", &models.DataError{Err: fmt.Errorf("unsupported result location %q", location)}
	}
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", &models.DataError{Err: fmt.Errorf("malformed result location %q", location)}
	}
	return bucket, key, nil
}

// ParseCSV reads a header row followed by records and infers a type per
// column. Ragged rows or an empty header are data errors.
func ParseCSV(r io.Reader) (models.ResultSet, error) {
	counter := &countingReader{r: r}
	cr := csv.NewReader(counter)
	cr.ReuseRecord = false

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return models.ResultSet{}, &models.DataError{Err: errors.New("empty result file")}
	}
	if err != nil {
		return models.ResultSet{}, &models.DataError{Err: fmt.Errorf("read header: %w", err)}
	}
	seen := make(map[string]bool, len(header))
	for _, name := range header {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			return models.ResultSet{}, &models.DataError{Err: fmt.Errorf("invalid column name %q", name)}
		}
		seen[name] = true
	}

	var raw [][]string
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return models.ResultSet{}, &models.DataError{Err: fmt.Errorf("read row %d: %w", len(raw)+1, err)}
		}
		raw = append(raw, rec)
	}

	cols := make([]models.Column, len(header))
	for i, name := range header {
		cols[i] = models.Column{Name: strings.TrimSpace(name), Type: inferColumn(raw, i)}
	}
	rows := make([][]any, len(raw))
	for ri, rec := range raw {
		row := make([]any, len(rec))
		for ci, v := range rec {
			row[ci] = convert(v, cols[ci].Type)
		}
		rows[ri] = row
	}
	return models.ResultSet{Columns: cols, Rows: rows, Bytes: counter.n}, nil
}

var dateLayouts = []string{models.DateLayout}

var timestampLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999", "2006-01-02T15:04:05", "2006-01-02 15:04:05"}

func inferColumn(rows [][]string, idx int) models.ColumnType {
	candidates := []models.ColumnType{models.ColumnInteger, models.ColumnFloat, models.ColumnBoolean, models.ColumnDate, models.ColumnTimestamp}
	nonEmpty := 0
	for _, row := range rows {
		v := strings.TrimSpace(row[idx])
		if v == "" {
			continue
		}
		nonEmpty++
		kept := candidates[:0]
		for _, c := range candidates {
			if matches(v, c) {
				kept = append(kept, c)
			}
		}
		candidates = kept
		if len(candidates) == 0 {
			return models.ColumnString
		}
	}
	if nonEmpty == 0 {
		return models.ColumnString
	}
	return candidates[0]
}

func matches(v string, t models.ColumnType) bool {
	switch t {
	case models.ColumnInteger:
		_, err := strconv.ParseInt(v, 10, 64)
		return err == nil
	case models.ColumnFloat:
		_, err := strconv.ParseFloat(v, 64)
		return err == nil
	case models.ColumnBoolean:
		lv := strings.ToLower(v)
		return lv == "true" || lv == "false"
	case models.ColumnDate:
		_, ok := parseTime(v, dateLayouts)
		return ok
	case models.ColumnTimestamp:
		_, ok := parseTime(v, timestampLayouts)
		return ok
	default:
		return false
	}
}

func convert(v string, t models.ColumnType) any {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	switch t {
	case models.ColumnInteger:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	case models.ColumnFloat:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	case models.ColumnBoolean:
		return strings.EqualFold(v, "true")
	case models.ColumnDate:
		d, _ := parseTime(v, dateLayouts)
		return d
	case models.ColumnTimestamp:
		ts, _ := parseTime(v, timestampLayouts)
		return ts
	default:
		return v
	}
}

func parseTime(v string, layouts []string) (time.Time, bool) {
	for _, layout := range layouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
