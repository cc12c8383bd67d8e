package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func atoiOrZero(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func relTime(epochMillis int64) string {
	if epochMillis == 0 {
		return "never"
	}
	return fmt.Sprintf("%dms ago", time.Now().UnixMilli()-epochMillis)
}
