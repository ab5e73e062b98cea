package handler

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/imagejobs/internal/store"
)

// DecodeJobCursor parses an opaque page cursor. An empty string means the first page.
func DecodeJobCursor(cursorStr string) (*store.Cursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.URLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil, fmt.Errorf("invalid cursor format")
	}

	enqueuedAt, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid enqueuedAt in cursor: %w", err)
	}

	return &store.Cursor{
		EnqueuedAt: time.Unix(0, enqueuedAt),
		JobID:      parts[1],
	}, nil
}

func EncodeJobCursor(cursor *store.Cursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.EnqueuedAt.UnixNano(), cursor.JobID)
	return base64.URLEncoding.EncodeToString([]byte(cs))
}
