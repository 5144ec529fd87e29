package main

import (
	"testing"
)

func TestEnvFlagsParsing(t *testing.T) {
	var e envFlags
	if err := e.Set("LANG=C.UTF-8"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := e.Set("EMPTY="); err != nil {
		t.Fatalf("set empty value: %v", err)
	}
	if len(e) != 2 || e[0].Key != "LANG" || e[0].Value != "C.UTF-8" || e[1].Key != "EMPTY" {
		t.Fatalf("entries: %+v", e)
	}

	if err := e.Set("NOVALUE"); err == nil {
		t.Fatal("missing '=' accepted")
	}
	if err := e.Set("=value"); err == nil {
		t.Fatal("empty key accepted")
	}
}

func TestShortenCommit(t *testing.T) {
	if got := shortenCommit("abcdef123456789"); got != "abcdef123456" {
		t.Fatalf("long commit: %q", got)
	}
	if got := shortenCommit("abc"); got != "abc" {
		t.Fatalf("short commit: %q", got)
	}
}

func TestNormalizeBuildTimeUTC(t *testing.T) {
	got, ok := normalizeBuildTimeUTC("2026-08-23T10:30:00+02:00")
	if !ok || got != "2026-08-23T08:30:00Z" {
		t.Fatalf("normalize: %q %v", got, ok)
	}
	if _, ok := normalizeBuildTimeUTC("unknown"); ok {
		t.Fatal("'unknown' normalized")
	}
	if _, ok := normalizeBuildTimeUTC("not a time"); ok {
		t.Fatal("garbage normalized")
	}
}

func TestCurrentVersionInfoDefaults(t *testing.T) {
	info := currentVersionInfo()
	if info.Version == "" {
		t.Fatal("empty version")
	}
	if info.Commit == "" || info.BuildTime == "" {
		t.Fatalf("unset fields: %+v", info)
	}
}

func TestUnknownCommandFails(t *testing.T) {
	if code := runCLI([]string{"frobnicate"}); code != 1 {
		t.Fatalf("exit code: %d", code)
	}
	if code := runCLI(nil); code != 1 {
		t.Fatalf("no-args exit code: %d", code)
	}
	if code := runCLI([]string{"help"}); code != 0 {
		t.Fatalf("help exit code: %d", code)
	}
}
