package structure

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/ChuLiYu/mindist/pkg/types"
)

const (
	outputHeader    = "EXTRACTED COORDINATES"
	modelSeparator  = "MODEL"
	maxLineCapacity = 1 << 20
)

// ErrInvalidOutput means the extractor output did not follow the expected
// format.
var ErrInvalidOutput = errors.New("invalid extractor output")

// Parse reads extractor output: the header line, then models separated by
// MODEL markers, one atom per line as "x y z flag". A non-zero flag marks an
// alternate position of the preceding atom. Empty models are dropped.
func Parse(r io.Reader) ([]types.Model, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(len(outputHeader))
	if err != nil || !bytes.Equal(head, []byte(outputHeader)) {
		return nil, fmt.Errorf("%w: missing %q header", ErrInvalidOutput, outputHeader)
	}
	br.Discard(len(outputHeader))

	sc := bufio.NewScanner(br)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineCapacity)

	var (
		models  []types.Model
		current types.Model
		lineNo  int
	)
	flush := func() {
		if len(current) > 0 {
			models = append(models, current)
		}
		current = nil
	}

	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())

		// a marker may share its line with the first atom
		for strings.HasPrefix(line, modelSeparator) {
			flush()
			line = strings.TrimSpace(line[len(modelSeparator):])
		}
		if line == "" {
			continue
		}

		atom, err := parseAtom(line)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidOutput, lineNo, err)
		}
		current = append(current, atom)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read extractor output: %w", err)
	}
	flush()

	return models, nil
}

// ParseFile parses a saved extractor output file.
func ParseFile(path string) ([]types.Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

func parseAtom(line string) (types.Atom, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 || len(fields) > 4 {
		return types.Atom{}, fmt.Errorf("expected 3 or 4 values, got %d", len(fields))
	}

	var v [4]float64
	for i, f := range fields {
		x, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return types.Atom{}, err
		}
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return types.Atom{}, fmt.Errorf("non-finite value %q", f)
		}
		v[i] = x
	}
	return types.Atom{X: v[0], Y: v[1], Z: v[2], Alt: v[3] != 0}, nil
}
