package main

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

type opKind int

const (
	opMalloc opKind = iota
	opCalloc
	opRealloc
	opFree
)

var opKindMapping = map[string]opKind{
	"malloc":  opMalloc,
	"calloc":  opCalloc,
	"realloc": opRealloc,
	"free":    opFree,
}

func (k opKind) String() string {
	for name, kind := range opKindMapping {
		if kind == k {
			return name
		}
	}
	return "unknown"
}

// argument counts after the op name and id
var opArgCounts = map[opKind]int{
	opMalloc:  1,
	opCalloc:  2,
	opRealloc: 1,
	opFree:    0,
}

// traceOp is one line of a trace. Allocations are named by ID so a trace never needs to know
// addresses.
type traceOp struct {
	Line  int
	Kind  opKind
	ID    string
	Count int
	Size  int
}

// parseTrace reads a trace: one op per line, blank lines and #-comments ignored.
//
//	malloc <id> <size>
//	calloc <id> <count> <size>
//	realloc <id> <size>
//	free <id>
func parseTrace(r io.Reader) ([]traceOp, error) {
	var ops []traceOp

	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++

		text := scanner.Text()
		if idx := strings.IndexByte(text, '#'); idx >= 0 {
			text = text[:idx]
		}

		fields := strings.Fields(text)
		if len(fields) == 0 {
			continue
		}

		op, err := parseOp(fields)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		op.Line = line
		ops = append(ops, op)
	}

	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read trace")
	}

	return ops, nil
}

func parseOp(fields []string) (traceOp, error) {
	kind, ok := opKindMapping[strings.ToLower(fields[0])]
	if !ok {
		return traceOp{}, errors.Newf("unknown op %q", fields[0])
	}

	if len(fields) != 2+opArgCounts[kind] {
		return traceOp{}, errors.Newf("%s takes %d argument(s) after the id, got %d", kind, opArgCounts[kind], len(fields)-2)
	}

	op := traceOp{Kind: kind, ID: fields[1]}

	var err error
	switch kind {
	case opMalloc, opRealloc:
		op.Size, err = parseSize(fields[2])
	case opCalloc:
		op.Count, err = parseSize(fields[2])
		if err == nil {
			op.Size, err = parseSize(fields[3])
		}
	}

	return op, err
}

func parseSize(field string) (int, error) {
	size, err := strconv.Atoi(field)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid size %q", field)
	}
	if size < 0 {
		return 0, errors.Newf("negative size %d", size)
	}

	return size, nil
}
