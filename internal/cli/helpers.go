package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sight-ai/sight-depin-maas-sub007/internal/domain"
)

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatRewards(v float64) string {
	return fmt.Sprintf("%.6f", v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// parseStatuses turns "running,succeed" into canonical statuses.
func parseStatuses(raw string) ([]domain.TaskStatus, error) {
	if raw == "" {
		return nil, nil
	}
	var out []domain.TaskStatus
	for _, part := range strings.Split(raw, ",") {
		st, ok := domain.NormalizeStatus(part)
		if !ok {
			return nil, fmt.Errorf("unknown status %q", part)
		}
		out = append(out, st)
	}
	return out, nil
}

func parseSource(raw string) (domain.Source, error) {
	if raw == "" {
		return "", nil
	}
	src := domain.Source(raw)
	if !src.Valid() {
		return "", fmt.Errorf("source must be local or gateway, got %q", raw)
	}
	return src, nil
}
