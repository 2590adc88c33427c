package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"voxelfill.ai/internal/persistence/snapshot"
)

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	u := strings.TrimRight(strings.TrimSpace(*baseURL), "/") + "/admin/v1/state"
	cl := &http.Client{Timeout: 5 * time.Second}
	resp, err := cl.Get(u)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(string(b))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}

// snapshotCmd inspects a snapshot file with -path, otherwise asks a running
// server to write one.
func snapshotCmd(args []string) {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	path := fs.String("path", "", "snapshot file to inspect (skips the server)")
	_ = fs.Parse(args)

	if p := strings.TrimSpace(*path); p != "" {
		info, err := os.Stat(p)
		if err != nil {
			fmt.Fprintln(os.Stderr, "stat:", err)
			os.Exit(1)
		}
		snap, err := snapshot.ReadSnapshot(p)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read snapshot:", err)
			os.Exit(1)
		}
		fmt.Print(describeSnapshot(snap, info.Size()))
		return
	}

	u := strings.TrimRight(strings.TrimSpace(*baseURL), "/") + "/admin/v1/snapshot"
	req, _ := http.NewRequest(http.MethodPost, u, nil)
	cl := &http.Client{Timeout: 10 * time.Second}
	resp, err := cl.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(string(b))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}

func describeSnapshot(snap snapshot.SnapshotV1, fileSize int64) string {
	var raw uint64
	for _, ch := range snap.Chunks {
		raw += uint64(len(ch.Blocks)) * 2
	}
	var b strings.Builder
	fmt.Fprintf(&b, "world:    %s\n", snap.Header.WorldID)
	fmt.Fprintf(&b, "version:  %d\n", snap.Header.Version)
	fmt.Fprintf(&b, "tick:     %s\n", humanize.Comma(int64(snap.Header.Tick)))
	fmt.Fprintf(&b, "seed:     %d\n", snap.Seed)
	fmt.Fprintf(&b, "palette:  %d blocks (%s)\n", len(snap.Palette), snap.PaletteDigest)
	fmt.Fprintf(&b, "chunks:   %s\n", humanize.Comma(int64(len(snap.Chunks))))
	fmt.Fprintf(&b, "runs:     %s started, %s voxels filled\n",
		humanize.Comma(int64(snap.Counters.RunsStarted)), humanize.Comma(int64(snap.Counters.VoxelsFilled)))
	fmt.Fprintf(&b, "size:     %s on disk, %s of block data\n", humanize.Bytes(uint64(fileSize)), humanize.Bytes(raw))
	return b.String()
}
