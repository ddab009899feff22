package logs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CurrentLogName is the pointer the daemon keeps at its active run log.
const CurrentLogName = "radonflow.log"

const (
	maxLineBytes   = 1024 * 1024
	followInterval = 250 * time.Millisecond
)

// CurrentPath returns the path of the current log pointer inside logDir.
func CurrentPath(logDir string) string {
	return filepath.Join(logDir, CurrentLogName)
}

// TailOptions selects which lines Tail returns. A negative Offset reads the
// last Limit lines. Match keeps only lines containing every given substring.
type TailOptions struct {
	Offset int64
	Limit  int
	Follow bool
	Wait   time.Duration
	Match  []string
}

type TailResult struct {
	Lines  []string
	Offset int64
}

func Tail(ctx context.Context, path string, opts TailOptions) (TailResult, error) {
	result := TailResult{Offset: opts.Offset}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			result.Offset = 0
			return result, nil
		}
		return result, fmt.Errorf("stat log file: %w", err)
	}
	if info.IsDir() {
		return result, fmt.Errorf("log path %q is a directory", path)
	}
	if opts.Wait < 0 {
		opts.Wait = 0
	}

	if opts.Offset < 0 {
		lines, offset, err := readLastLines(path, opts.Limit, opts.Match)
		if err != nil {
			return result, err
		}
		result.Lines = lines
		result.Offset = offset
		if opts.Follow && opts.Wait > 0 && len(lines) == 0 {
			return waitForLines(ctx, path, offset, opts.Wait, opts.Match)
		}
		return result, nil
	}

	offset := opts.Offset
	if offset > info.Size() {
		offset = 0
	}
	lines, next, err := readForward(path, offset, opts.Match)
	if err != nil {
		return result, err
	}
	if opts.Follow && opts.Wait > 0 && len(lines) == 0 {
		return waitForLines(ctx, path, next, opts.Wait, opts.Match)
	}
	return TailResult{Lines: lines, Offset: next}, nil
}

// Follow emits the last opts.Limit lines and then every new line until ctx is
// done. It returns nil when ctx ends.
func Follow(ctx context.Context, path string, opts TailOptions, emit func(string)) error {
	opts.Offset = -1
	opts.Follow = false
	for {
		res, err := Tail(ctx, path, opts)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, line := range res.Lines {
			emit(line)
		}
		if ctx.Err() != nil {
			return nil
		}
		opts.Offset = res.Offset
		opts.Follow = true
		if opts.Wait <= 0 {
			opts.Wait = 5 * time.Second
		}
	}
}

func matches(line string, match []string) bool {
	for _, m := range match {
		if m != "" && !strings.Contains(line, m) {
			return false
		}
	}
	return true
}

func newScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return scanner
}

func readLastLines(path string, limit int, match []string) ([]string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	if limit <= 0 {
		end, err := file.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, 0, fmt.Errorf("seek log file: %w", err)
		}
		return nil, end, nil
	}

	ring := make([]string, limit)
	count, idx := 0, 0
	scanner := newScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if !matches(line, match) {
			continue
		}
		ring[idx] = line
		idx = (idx + 1) % limit
		if count < limit {
			count++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("read log file: %w", err)
	}
	end, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, 0, fmt.Errorf("seek log file: %w", err)
	}

	lines := make([]string, count)
	if count == limit {
		for i := range count {
			lines[i] = ring[(idx+i)%limit]
		}
	} else {
		copy(lines, ring[:count])
	}
	return lines, end, nil
}

// readForward returns complete lines after offset. A trailing partial line is
// left for the next read.
func readForward(path string, offset int64, match []string) ([]string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return nil, 0, fmt.Errorf("seek log file: %w", err)
	}

	reader := bufio.NewReaderSize(file, 64*1024)
	var lines []string
	next := offset
	for {
		chunk, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, 0, fmt.Errorf("read log file: %w", err)
		}
		next += int64(len(chunk))
		line := strings.TrimRight(chunk, "\r\n")
		if matches(line, match) {
			lines = append(lines, line)
		}
	}
	return lines, next, nil
}

func waitForLines(ctx context.Context, path string, offset int64, wait time.Duration, match []string) (TailResult, error) {
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(followInterval)
	defer ticker.Stop()

	result := TailResult{Offset: offset}
	for {
		if info, err := os.Stat(path); err == nil && offset > info.Size() {
			offset = 0
		}
		lines, next, err := readForward(path, offset, match)
		if err != nil {
			return result, err
		}
		offset = next
		result.Offset = next
		if len(lines) > 0 {
			result.Lines = lines
			return result, nil
		}
		if time.Now().After(deadline) {
			return result, nil
		}
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-ticker.C:
		}
	}
}
