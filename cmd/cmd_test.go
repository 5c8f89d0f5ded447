package cmd

import (
	"archive/zip"
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/VoxDroid/relkit/internal/config"
)

// resetFlags restores every flag to its default so tests sharing rootCmd
// do not see each other's arguments.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.PersistentFlags().VisitAll(reset)
	c.Flags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), errOut.String(), err
}

func setupHome(t *testing.T) string {
	t.Helper()
	d := t.TempDir()
	t.Setenv(config.EnvRelkitHome, d)
	t.Setenv(config.EnvRelkitDB, "")
	t.Setenv(envVersion, "")
	t.Setenv("RELKIT_PROJECT", "")
	return d
}

const buildScript = `sh -c 'mkdir -p ${OUTDIR}/lib && echo app > ${OUTDIR}/gw && echo lib > ${OUTDIR}/lib/library.zip'`

func writeProject(t *testing.T, yaml string) string {
	t.Helper()
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, config.DefaultFile), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return src
}

// bundleServer serves a zip holding the capsimg DLLs.
func bundleServer(t *testing.T, members map[string][]byte) *httptest.Server {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range members {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(buf.Bytes())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func releaseConfig(bundleURL, bucketDir, tests string) string {
	return `project: gw
tests:
  - ` + tests + `
bundle:
  url: ` + bundleURL + `/capsimg_binary.zip
targets:
  generic:
    command: "` + strings.ReplaceAll(buildScript, `"`, `\"`) + `"
  win64:
    command: "` + strings.ReplaceAll(buildScript, `"`, `\"`) + `"
    arch_member_path: capsimg_binary/x64/CAPSImg.dll
upload:
  bucket: file://` + filepath.ToSlash(bucketDir) + `
`
}

func zipNames(t *testing.T, p string) map[string][]byte {
	t.Helper()
	zr, err := zip.OpenReader(p)
	if err != nil {
		t.Fatalf("open %s: %v", p, err)
	}
	defer zr.Close()
	out := map[string][]byte{}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open entry: %v", err)
		}
		data, _ := io.ReadAll(rc)
		rc.Close()
		out[f.Name] = data
	}
	return out
}

func TestVersionCommand(t *testing.T) {
	out, _, err := runCLI(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "relkit ") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestResolveVersionOverride(t *testing.T) {
	setupHome(t)
	out, _, err := runCLI(t, "resolve-version", "--source", t.TempDir(), "--version-override", "2.0")
	if err != nil {
		t.Fatalf("resolve-version: %v", err)
	}
	if strings.TrimSpace(out) != "2.0" {
		t.Fatalf("expected 2.0, got %q", out)
	}

	t.Setenv(envVersion, "2.1")
	out, _, err = runCLI(t, "resolve-version", "--source", t.TempDir())
	if err != nil {
		t.Fatalf("resolve-version: %v", err)
	}
	if strings.TrimSpace(out) != "2.1" {
		t.Fatalf("expected 2.1 from %s, got %q", envVersion, out)
	}
}

func TestResolveVersionFromTag(t *testing.T) {
	setupHome(t)
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	wt, _ := repo.Worktree()
	if err := os.WriteFile(filepath.Join(dir, "setup.py"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := wt.Add("setup.py"); err != nil {
		t.Fatalf("add: %v", err)
	}
	sig := &object.Signature{Name: "ci", Email: "ci@example.org", When: time.Unix(1700000000, 0)}
	h, err := wt.Commit("initial", &git.CommitOptions{Author: sig})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := repo.CreateTag("v1.23", h, nil); err != nil {
		t.Fatalf("tag: %v", err)
	}

	out, _, err := runCLI(t, "resolve-version", "--source", dir)
	if err != nil {
		t.Fatalf("resolve-version: %v", err)
	}
	if strings.TrimSpace(out) != "1.23" {
		t.Fatalf("expected 1.23, got %q", out)
	}
}

func TestResolveVersionOutsideRepoFails(t *testing.T) {
	setupHome(t)
	if _, _, err := runCLI(t, "resolve-version", "--source", t.TempDir()); err == nil {
		t.Fatalf("expected VersionUnavailable outside a repository")
	}
}

func TestTargetsListsMatrix(t *testing.T) {
	setupHome(t)
	src := writeProject(t, releaseConfig("http://127.0.0.1:1", t.TempDir(), `"true"`))
	out, _, err := runCLI(t, "targets", "--source", src)
	if err != nil {
		t.Fatalf("targets: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 targets, got %q", out)
	}
	if !strings.HasPrefix(lines[0], "generic") || !strings.Contains(lines[0], "gw-<version>.zip") {
		t.Fatalf("unexpected generic line: %q", lines[0])
	}
	if !strings.Contains(lines[1], "gw-<version>-win64.zip") || !strings.Contains(lines[1], "capsimg_binary/x64/CAPSImg.dll") {
		t.Fatalf("unexpected win64 line: %q", lines[1])
	}
}

func TestUnknownTargetSuggests(t *testing.T) {
	setupHome(t)
	src := writeProject(t, releaseConfig("http://127.0.0.1:1", t.TempDir(), `"true"`))
	_, _, err := runCLI(t, "package", "win46", "--source", src, "--version-override", "1.0")
	if err == nil || !strings.Contains(err.Error(), "did you mean") {
		t.Fatalf("expected suggestion, got %v", err)
	}
}

func TestBuildDryRun(t *testing.T) {
	setupHome(t)
	src := writeProject(t, releaseConfig("http://127.0.0.1:1", t.TempDir(), `"true"`))
	work := t.TempDir()
	var runErr error
	out, _ := captureOutput(func() {
		_, _, runErr = runCLI(t, "build", "generic", "--dry-run", "--source", src, "--workdir", work, "--version-override", "1.23")
	})
	if runErr != nil {
		t.Fatalf("build: %v", runErr)
	}
	if !strings.Contains(out, "dry-run: sh -c") {
		t.Fatalf("expected dry-run message, got %q", out)
	}
	if _, err := os.Stat(filepath.Join(work, "generic", "gw-1.23")); !os.IsNotExist(err) {
		t.Fatalf("dry-run must not build a tree")
	}
}

func TestBuildWritesTree(t *testing.T) {
	setupHome(t)
	src := writeProject(t, releaseConfig("http://127.0.0.1:1", t.TempDir(), `"true"`))
	work := t.TempDir()
	out, _, err := runCLI(t, "build", "generic", "--source", src, "--workdir", work, "--version-override", "1.23")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := filepath.Join(work, "generic", "gw-1.23")
	if strings.TrimSpace(out) != want {
		t.Fatalf("expected %s, got %q", want, out)
	}
	if _, err := os.Stat(filepath.Join(want, "gw")); err != nil {
		t.Fatalf("tree not built: %v", err)
	}
}

func TestRunTestsFailure(t *testing.T) {
	setupHome(t)
	src := writeProject(t, releaseConfig("http://127.0.0.1:1", t.TempDir(), `"sh -c 'echo boom; exit 3'"`))
	_, errOut, err := runCLI(t, "run-tests", "--source", src)
	if err == nil || !strings.Contains(err.Error(), "TestsFailed") {
		t.Fatalf("expected TestsFailed, got %v", err)
	}
	if !strings.Contains(errOut, "boom") {
		t.Fatalf("expected test log on stderr, got %q", errOut)
	}
}

func TestReleaseEndToEnd(t *testing.T) {
	setupHome(t)
	dll := []byte("MZ capsimg x64")
	srv := bundleServer(t, map[string][]byte{"capsimg_binary/x64/CAPSImg.dll": dll})
	bucket := t.TempDir()
	src := writeProject(t, releaseConfig(srv.URL, bucket, `"true"`))
	dist := t.TempDir()
	work := t.TempDir()

	out, _, err := runCLI(t, "release", "--source", src, "--workdir", work, "--out", dist, "--version-override", "1.23")
	if err != nil {
		t.Fatalf("release: %v\n%s", err, out)
	}
	// a second run over the same workdir must not trip over the first
	if again, _, err := runCLI(t, "release", "--source", src, "--workdir", work, "--out", dist, "--version-override", "1.23"); err != nil {
		t.Fatalf("second release: %v\n%s", err, again)
	}
	if !strings.Contains(out, "release succeeded") || !strings.Contains(out, "gw-1.23-win64.zip") {
		t.Fatalf("unexpected report: %q", out)
	}

	win := zipNames(t, filepath.Join(dist, "gw-1.23-win64.zip"))
	if !bytes.Equal(win["gw-1.23/CAPSImg.dll"], dll) {
		t.Fatalf("CAPSImg.dll missing or altered in win64 archive")
	}
	generic := zipNames(t, filepath.Join(dist, "gw-1.23.zip"))
	if _, ok := generic["gw-1.23/CAPSImg.dll"]; ok {
		t.Fatalf("generic archive must not carry the bundle")
	}
	if _, err := os.Stat(filepath.Join(dist, "gw-1.23-SHA256SUMS")); err != nil {
		t.Fatalf("checksums missing: %v", err)
	}
	for _, name := range []string{"gw-1.23.zip", "gw-1.23-win64.zip"} {
		if _, err := os.Stat(filepath.Join(bucket, "gw.ci", name)); err != nil {
			t.Fatalf("%s not uploaded: %v", name, err)
		}
	}

	hist, _, err := runCLI(t, "history", "-n", "1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(hist, "gw\t1.23\tok") {
		t.Fatalf("run not recorded: %q", hist)
	}
}

func TestReleaseFailsWhenOnlyTestsFail(t *testing.T) {
	setupHome(t)
	srv := bundleServer(t, map[string][]byte{"capsimg_binary/x64/CAPSImg.dll": []byte("dll")})
	src := writeProject(t, releaseConfig(srv.URL, t.TempDir(), `"sh -c 'exit 1'"`))
	dist := t.TempDir()

	out, _, err := runCLI(t, "release", "--source", src, "--workdir", t.TempDir(), "--out", dist, "--version-override", "1.23")
	if err == nil {
		t.Fatalf("expected release to fail")
	}
	if !strings.Contains(out, "release failed") || !strings.Contains(out, "TestsFailed") {
		t.Fatalf("unexpected report: %q", out)
	}
	// platform tracks still produced their archives
	if _, err := os.Stat(filepath.Join(dist, "gw-1.23-win64.zip")); err != nil {
		t.Fatalf("win64 archive missing: %v", err)
	}
}

func TestReleaseMissingMemberFailsOnlyWindows(t *testing.T) {
	setupHome(t)
	srv := bundleServer(t, map[string][]byte{"capsimg_binary/x86/CAPSImg.dll": []byte("dll")})
	src := writeProject(t, releaseConfig(srv.URL, t.TempDir(), `"true"`))
	dist := t.TempDir()

	out, _, err := runCLI(t, "release", "--source", src, "--workdir", t.TempDir(), "--out", dist,
		"--version-override", "1.23", "--target", "generic", "--target", "win64")
	if err == nil {
		t.Fatalf("expected release to fail")
	}
	if !strings.Contains(out, "NotFound") {
		t.Fatalf("expected NotFound in report, got %q", out)
	}
	if _, err := os.Stat(filepath.Join(dist, "gw-1.23.zip")); err != nil {
		t.Fatalf("generic archive missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dist, "gw-1.23-win64.zip")); !os.IsNotExist(err) {
		t.Fatalf("win64 archive must not exist")
	}
}

func TestHistoryEmpty(t *testing.T) {
	setupHome(t)
	out, _, err := runCLI(t, "history")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if strings.TrimSpace(out) != "no runs recorded" {
		t.Fatalf("unexpected output: %q", out)
	}
}

func captureOutput(f func()) (string, string) {
	oldOut := os.Stdout
	oldErr := os.Stderr
	rOut, wOut, _ := os.Pipe()
	rErr, wErr, _ := os.Pipe()
	os.Stdout = wOut
	os.Stderr = wErr

	outC := make(chan string)
	errC := make(chan string)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, rOut)
		outC <- buf.String()
	}()
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, rErr)
		errC <- buf.String()
	}()

	f()

	_ = wOut.Close()
	_ = wErr.Close()
	os.Stdout = oldOut
	os.Stderr = oldErr

	out := <-outC
	err := <-errC
	return out, err
}
