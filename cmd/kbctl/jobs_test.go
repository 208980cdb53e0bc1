package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"clinical-kb-platform/models"
)

func TestPrintJobs(t *testing.T) {
	var buf bytes.Buffer
	printJobs(&buf, []*models.IndexingJob{{
		ID:           "job-1",
		DocumentKey:  "owner:user_document:renal.txt",
		State:        models.JobFailed,
		RetryCount:   3,
		MaxRetries:   3,
		ErrorDetails: strings.Repeat("embedding provider unavailable ", 4),
		UpdatedAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], "DOCUMENT KEY")
	assert.Contains(t, lines[1], "3/3")
	assert.Contains(t, lines[1], "2026-03-01T12:00:00Z")
	assert.True(t, strings.HasSuffix(lines[1], "…"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}
