package model

import (
	"net/url"
	"strconv"
)

func formatInt64(v int64) string {
	return strconv.FormatInt(v, 10)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}
