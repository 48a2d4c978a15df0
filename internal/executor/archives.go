package executor

import (
	"bytes"
	"fmt"

	"github.com/cockroachdb/errors"
	json "github.com/goccy/go-json"

	"backup-orchestrator/internal/models"
)

type archiveListing struct {
	Archives []models.Archive `json:"archives"`
}

// ParseArchives decodes the output of "list --json". The tool prints either a
// single listing object or one object per repository; both are accepted.
func ParseArchives(stdout string) ([]models.Archive, error) {
	data := bytes.TrimSpace([]byte(stdout))
	if len(data) == 0 {
		return nil, errors.New("empty archive listing")
	}
	if data[0] == '[' {
		var listings []archiveListing
		if err := json.Unmarshal(data, &listings); err != nil {
			return nil, errors.Wrap(err, "decode archive listing")
		}
		out := []models.Archive{}
		for _, l := range listings {
			out = append(out, l.Archives...)
		}
		return out, nil
	}
	var listing archiveListing
	if err := json.Unmarshal(data, &listing); err != nil {
		return nil, errors.Wrap(err, "decode archive listing")
	}
	if listing.Archives == nil {
		listing.Archives = []models.Archive{}
	}
	return listing.Archives, nil
}

func sizeString(v any) string {
	switch s := v.(type) {
	case nil:
		return "0"
	case string:
		return s
	case float64:
		return fmt.Sprintf("%.0f", s)
	default:
		return fmt.Sprint(s)
	}
}
