package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
)

// parseTokenRows parses "1,2,3; 4 5 6" into [[1 2 3] [4 5 6]].
func parseTokenRows(s string) ([][]int, error) {
	var rows [][]int
	for i, part := range strings.Split(s, ";") {
		fields := strings.FieldsFunc(part, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
		})
		if len(fields) == 0 {
			if strings.TrimSpace(part) == "" && i > 0 {
				continue
			}
			return nil, fmt.Errorf("row %d is empty", i)
		}
		row := make([]int, len(fields))
		for j, f := range fields {
			id, err := strconv.Atoi(f)
			if err != nil {
				return nil, fmt.Errorf("row %d: invalid token id %q", i, f)
			}
			row[j] = id
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func readTokenFile(path string) ([][]int, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	var rows [][]int
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s holds no token rows", path)
	}
	return rows, nil
}

// inputTokens reads the batch from --tokens, --tokens-file or the
// positional arguments, in that order.
func inputTokens(cmd *cli.Command) ([][]int, error) {
	switch {
	case cmd.String("tokens") != "":
		return parseTokenRows(cmd.String("tokens"))
	case cmd.String("tokens-file") != "":
		return readTokenFile(cmd.String("tokens-file"))
	case cmd.Args().Len() > 0:
		return parseTokenRows(strings.Join(cmd.Args().Slice(), " "))
	default:
		return nil, errors.New("no input: pass --tokens, --tokens-file or token ids as arguments")
	}
}

func formatRow(row []int) string {
	var b strings.Builder
	for i, id := range row {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.Itoa(id))
	}
	return b.String()
}
