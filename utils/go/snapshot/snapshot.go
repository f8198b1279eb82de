// SPDX-License-Identifier: GPL-2.0-or-later

// Package snapshot is a CLI utility that writes the latest keyframe of a
// video stream to stdout as an Annex-B elementary stream.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"shmrelay/pkg/config"
	"shmrelay/pkg/frame"
	"shmrelay/pkg/index"
	"shmrelay/pkg/ring"

	"github.com/fsnotify/fsnotify"
)

const usage = `write the latest keyframe to stdout
example: snapshot -res low -config /etc/shmrelay.yaml | ffmpeg -i - out.jpg`

// Errors.
var (
	ErrAlreadyRunning = errors.New("another snapshot process is running")
	ErrNoKeyframe     = errors.New("no keyframe")
	ErrOverwritten    = errors.New("keyframe was overwritten")
	ErrTimeout        = errors.New("timeout")
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	configPath := flag.String("config", "", "relay config file")
	res := flag.String("res", config.ResolutionHigh, `resolution: "low" or "high"`)
	wait := flag.Bool("wait", false, "wait for the next keyframe")
	timeout := flag.Duration("timeout", 30*time.Second, "wait timeout")
	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	n, err := countProcesses("/proc", filepath.Base(os.Args[0]))
	if err != nil {
		return err
	}
	if n > 1 {
		return ErrAlreadyRunning
	}

	stream, err := parseResolution(*res)
	if err != nil {
		return err
	}

	c, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	if *wait {
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		defer cancel()
		if err := waitForIndex(ctx, c.Index); err != nil {
			return fmt.Errorf("wait for index: %w", err)
		}
	}

	i, err := index.Load(c.Index)
	if err != nil {
		return err
	}

	m, err := ring.Open(c.BufferFile, c.BufferSize, c.BufferOffset)
	if err != nil {
		return err
	}
	defer m.Close()

	buf, err := keyframe(m.Ring, i, stream)
	if err != nil {
		return err
	}

	_, err = os.Stdout.Write(buf)
	return err
}

func parseResolution(res string) (frame.Stream, error) {
	switch strings.ToLower(res) {
	case config.ResolutionHigh:
		return frame.StreamHigh, nil
	case config.ResolutionLow:
		return frame.StreamLow, nil
	}
	return 0, fmt.Errorf("invalid resolution: %q", res)
}

// keyframe copies the parameter sets and the IDR frame of a stream out
// of the ring. Each unit must still start with a start code, otherwise
// the producer has overwritten it since the index was saved.
func keyframe(r *ring.Ring, i index.Index, stream frame.Stream) ([]byte, error) {
	k := i.Keyframe(stream)
	if !k.Complete() {
		return nil, fmt.Errorf("%w: %v", ErrNoKeyframe, stream)
	}

	var buf bytes.Buffer
	for _, e := range k.Entries(i.Codec) {
		addr, n := int(e.Addr), int(e.Len)
		if !r.Contains(addr) || n <= 0 {
			return nil, fmt.Errorf("%w: address %d, length %d", index.ErrInvalidIndex, addr, n)
		}
		if !r.HasPrefix(addr, frame.NALStart) {
			return nil, fmt.Errorf("%w: address %d", ErrOverwritten, addr)
		}
		b, err := r.Bytes(addr, n)
		if err != nil {
			return nil, err
		}
		buf.Write(b)
	}
	return buf.Bytes(), nil
}

// waitForIndex blocks until the index file is replaced. The index is
// saved with a rename, so the parent directory is watched.
func waitForIndex(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	for {
		select {
		case e := <-watcher.Events:
			if filepath.Clean(e.Name) != filepath.Clean(path) {
				continue
			}
			if e.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				return nil
			}
		case err := <-watcher.Errors:
			return err
		case <-ctx.Done():
			return ErrTimeout
		}
	}
}

// countProcesses returns the number of processes whose program
// name equals name.
func countProcesses(procDir string, name string) (int, error) {
	entries, err := os.ReadDir(procDir)
	if err != nil {
		return 0, fmt.Errorf("read %v: %w", procDir, err)
	}

	count := 0
	for _, entry := range entries {
		if _, err := strconv.Atoi(entry.Name()); err != nil {
			continue
		}
		cmdline, err := os.ReadFile(filepath.Join(procDir, entry.Name(), "cmdline"))
		if err != nil || len(cmdline) == 0 {
			continue
		}
		program, _, _ := bytes.Cut(cmdline, []byte{0})
		if filepath.Base(string(program)) == name {
			count++
		}
	}
	return count, nil
}
