// Package processes provides the built-in processors for the automation
// process types. They validate the request, walk the pipeline stages and
// produce the summary the client downloads; document rendering happens
// outside this service.
package processes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/example/saleshub/api-go/internal/model"
	"github.com/example/saleshub/api-go/internal/runner"
)

// Registry returns processors for the enabled process types. Unknown names
// are reported as an error.
func Registry(enabled []string) (map[string]runner.Processor, error) {
	all := map[string]runner.Processor{
		model.ProcessROMGenerator: ROMGenerator{},
		model.ProcessCoveragePlot: CoveragePlot{},
	}
	out := make(map[string]runner.Processor, len(enabled))
	for _, name := range enabled {
		p, ok := all[name]
		if !ok {
			return nil, fmt.Errorf("processes: no processor for %q", name)
		}
		out[name] = p
	}
	return out, nil
}

// ROMRequest is the form posted by the ROM generator screen.
type ROMRequest struct {
	Address      string            `json:"address"`
	SiteName     string            `json:"siteName,omitempty"`
	Carriers     []string          `json:"carriers"`
	CustomerName string            `json:"customerName,omitempty"`
	Fields       map[string]string `json:"fields,omitempty"`
}

type ROMResult struct {
	FileName     string            `json:"fileName"`
	Address      string            `json:"address"`
	SiteName     string            `json:"siteName,omitempty"`
	CustomerName string            `json:"customerName,omitempty"`
	Carriers     []string          `json:"carriers"`
	Fields       map[string]string `json:"fields,omitempty"`
	GeneratedAt  time.Time         `json:"generatedAt"`
}

type ROMGenerator struct{}

func (ROMGenerator) Validate(payload json.RawMessage) error {
	_, err := decodeROM(payload)
	return err
}

func decodeROM(payload json.RawMessage) (ROMRequest, error) {
	var req ROMRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return ROMRequest{}, fmt.Errorf("decode ROM request: %w", err)
	}
	req.Address = strings.TrimSpace(req.Address)
	if req.Address == "" {
		return ROMRequest{}, errors.New("address is required")
	}
	req.Carriers = normalizeList(req.Carriers)
	if len(req.Carriers) == 0 {
		return ROMRequest{}, errors.New("at least one carrier is required")
	}
	return req, nil
}

func (ROMGenerator) Process(ctx context.Context, job model.Job, report runner.Reporter) (any, error) {
	req, err := decodeROM(job.Payload)
	if err != nil {
		return nil, err
	}

	report(10, "Validating request")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	report(25, "Resolving site address")

	// Carrier pricing spans 30..80.
	span := 50.0 / float64(len(req.Carriers))
	for i, carrier := range req.Carriers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report(30+span*float64(i), fmt.Sprintf("Pricing %s", carrier))
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	report(90, "Assembling proposal")

	now := time.Now().UTC()
	return ROMResult{
		FileName:     fileName("ROM", firstNonEmpty(req.SiteName, req.Address), now),
		Address:      req.Address,
		SiteName:     req.SiteName,
		CustomerName: req.CustomerName,
		Carriers:     req.Carriers,
		Fields:       req.Fields,
		GeneratedAt:  now,
	}, nil
}

// CoverageRequest is the form posted by the coverage plot screen.
type CoverageRequest struct {
	Address  string   `json:"address"`
	Carriers []string `json:"carriers"`
	RadiusKm float64  `json:"radiusKm,omitempty"`
}

type CoverageResult struct {
	FileName    string    `json:"fileName"`
	Address     string    `json:"address"`
	Carriers    []string  `json:"carriers"`
	RadiusKm    float64   `json:"radiusKm"`
	GeneratedAt time.Time `json:"generatedAt"`
}

type CoveragePlot struct{}

const defaultRadiusKm = 2.0

func (CoveragePlot) Validate(payload json.RawMessage) error {
	_, err := decodeCoverage(payload)
	return err
}

func decodeCoverage(payload json.RawMessage) (CoverageRequest, error) {
	var req CoverageRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return CoverageRequest{}, fmt.Errorf("decode coverage request: %w", err)
	}
	req.Address = strings.TrimSpace(req.Address)
	if req.Address == "" {
		return CoverageRequest{}, errors.New("address is required")
	}
	if req.RadiusKm < 0 {
		return CoverageRequest{}, errors.New("radiusKm must not be negative")
	}
	if req.RadiusKm == 0 {
		req.RadiusKm = defaultRadiusKm
	}
	req.Carriers = normalizeList(req.Carriers)
	return req, nil
}

func (CoveragePlot) Process(ctx context.Context, job model.Job, report runner.Reporter) (any, error) {
	req, err := decodeCoverage(job.Payload)
	if err != nil {
		return nil, err
	}
	steps := []struct {
		progress float64
		label    string
	}{
		{15, "Locating address"},
		{40, "Collecting carrier sites"},
		{70, "Rendering coverage layers"},
		{90, "Exporting plot"},
	}
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report(s.progress, s.label)
	}
	now := time.Now().UTC()
	return CoverageResult{
		FileName:    fileName("Coverage", req.Address, now),
		Address:     req.Address,
		Carriers:    req.Carriers,
		RadiusKm:    req.RadiusKm,
		GeneratedAt: now,
	}, nil
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9]+`)

func fileName(prefix, subject string, at time.Time) string {
	slug := strings.Trim(unsafeName.ReplaceAllString(subject, "_"), "_")
	if len(slug) > 48 {
		slug = slug[:48]
	}
	return fmt.Sprintf("%s_%s_%s.json", prefix, slug, at.Format("20060102"))
}

func normalizeList(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[strings.ToLower(v)]; dup {
			continue
		}
		seen[strings.ToLower(v)] = struct{}{}
		out = append(out, v)
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
