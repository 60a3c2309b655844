package models

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidCursor = errors.New("invalid cursor")

type PageInfo struct {
	StartCursor string `json:"startCursor"`
	EndCursor   string `json:"endCursor"`
	HasNextPage *bool  `json:"hasNextPage,omitempty"`
}

func DecodeCursor(cursor *string) (string, error) {
	decodedCursor := ""
	if cursor != nil {
		b, err := base64.StdEncoding.DecodeString(*cursor)
		if err != nil {
			return decodedCursor, err
		}
		decodedCursor = string(b)
	}
	return decodedCursor, nil
}

func EncodeCursor(cursor string) string {
	return base64.StdEncoding.EncodeToString([]byte(cursor))
}

func EncodeIdCursor(id int) string {
	return EncodeCursor(fmt.Sprintf("id|%d", id))
}

func DecodeIdCursor(cursor *string) (int, error) {
	decoded, err := DecodeCursor(cursor)
	if err != nil {
		return 0, ErrInvalidCursor
	}
	parts := strings.Split(decoded, "|")
	if len(parts) != 2 || parts[0] != "id" {
		return 0, ErrInvalidCursor
	}
	id, err := strconv.Atoi(parts[1])
	if err != nil || id <= 0 {
		return 0, ErrInvalidCursor
	}
	return id, nil
}
