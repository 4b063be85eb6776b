package gitutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test",
			"GIT_AUTHOR_EMAIL=test@test",
			"GIT_COMMITTER_NAME=test",
			"GIT_COMMITTER_EMAIL=test@test",
		)
		out, err := cmd.CombinedOutput()
		if err != nil {
			t.Fatalf("git %v failed: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.name", "test")
	run("config", "user.email", "test@test")
	if err := os.WriteFile(filepath.Join(dir, "initial.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "-A")
	run("commit", "-m", "initial")
	run("tag", "v1")
	return dir
}

func TestCloneAndHeadSHA(t *testing.T) {
	src := initTestRepo(t)
	wantSHA, err := HeadSHA(src)
	if err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(t.TempDir(), "clone")
	if err := Clone(src, dest); err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if !IsRepo(dest) {
		t.Fatalf("cloned dir is not a repo")
	}
	gotSHA, err := HeadSHA(dest)
	if err != nil {
		t.Fatal(err)
	}
	if gotSHA != wantSHA {
		t.Errorf("HeadSHA after clone = %q, want %q", gotSHA, wantSHA)
	}
}

func TestCheckoutRefTag(t *testing.T) {
	src := initTestRepo(t)
	dest := filepath.Join(t.TempDir(), "clone")
	if err := Clone(src, dest); err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if err := CheckoutRef(dest, "v1"); err != nil {
		t.Fatalf("CheckoutRef: %v", err)
	}
}

func TestIsRepoFalseForPlainDir(t *testing.T) {
	if IsRepo(t.TempDir()) {
		t.Errorf("IsRepo = true for a non-repo directory")
	}
}
