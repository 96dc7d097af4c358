package engine

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"ocrd/pkg/types"
)

// writeConverter installs a shell script standing in for the converter
// binary and returns its path.
func writeConverter(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script converter stub")
	}
	bin := filepath.Join(t.TempDir(), "converter")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write converter stub: %v", err)
	}
	return bin
}

const happyConverter = `
out=""
while [ $# -gt 0 ]; do
  case "$1" in
    --output) out="$2"; shift 2 ;;
    *) shift ;;
  esac
done
mkdir -p "$out/images"
printf 'imgbytes' > "$out/images/fig.png"
cat > "$out/result.json" <<'EOF'
{"pages":[{"page_index":0,"res":{"blocks":2},"markdown":"# converted","images":["fig.png"]}]}
EOF
`

func TestSubprocessPredict(t *testing.T) {
	bin := writeConverter(t, happyConverter)
	tmp := t.TempDir()
	e, err := NewSubprocess(bin, nil, "cpu", tmp)
	if err != nil {
		t.Fatalf("new subprocess: %v", err)
	}
	if e.Name() != "subprocess" || e.Concurrent() {
		t.Fatalf("unexpected backend identity: %s concurrent=%v", e.Name(), e.Concurrent())
	}

	pages, err := e.Predict(context.Background(), "/data/in.pdf", types.ConvertOptions{EnableTable: true})
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if len(pages) != 1 || pages[0].Markdown != "# converted" {
		t.Fatalf("unexpected pages: %+v", pages)
	}
	if string(pages[0].Images["fig.png"]) != "imgbytes" {
		t.Fatalf("image not collected: %q", pages[0].Images["fig.png"])
	}

	// run dir must be cleaned up after the call
	entries, err := os.ReadDir(tmp)
	if err != nil {
		t.Fatalf("read tmp: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("run dir left behind: %v", entries)
	}
}

func TestSubprocessForwardsOptionFlags(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args.txt")
	bin := writeConverter(t, `
out=""
prev=""
for a in "$@"; do
  if [ "$prev" = "--output" ]; then out="$a"; fi
  prev="$a"
done
echo "$@" > `+argsFile+`
mkdir -p "$out"
printf '{"pages":[]}' > "$out/result.json"
`)
	e, err := NewSubprocess(bin, nil, "cpu", t.TempDir())
	if err != nil {
		t.Fatalf("new subprocess: %v", err)
	}
	_, err = e.Predict(context.Background(), "in.pdf", types.ConvertOptions{
		EnableTable: true,
		BBox:        true,
		Language:    "en",
	})
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	raw, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatalf("read captured args: %v", err)
	}
	args := string(raw)
	for _, want := range []string{"--table", "--bbox", "--lang en"} {
		if !strings.Contains(args, want) {
			t.Fatalf("missing %q in converter args: %s", want, args)
		}
	}
}

func TestSubprocessPredictFailureSurfacesStderr(t *testing.T) {
	bin := writeConverter(t, `echo "cuda device lost" >&2; exit 3`)
	e, err := NewSubprocess(bin, nil, "cpu", t.TempDir())
	if err != nil {
		t.Fatalf("new subprocess: %v", err)
	}
	_, err = e.Predict(context.Background(), "in.pdf", types.ConvertOptions{})
	if err == nil || !strings.Contains(err.Error(), "cuda device lost") {
		t.Fatalf("expected stderr in error, got %v", err)
	}
}

func TestSubprocessPredictMissingManifest(t *testing.T) {
	bin := writeConverter(t, `exit 0`)
	e, err := NewSubprocess(bin, nil, "cpu", t.TempDir())
	if err != nil {
		t.Fatalf("new subprocess: %v", err)
	}
	if _, err := e.Predict(context.Background(), "in.pdf", types.ConvertOptions{}); err == nil {
		t.Fatalf("expected error when converter writes no result")
	}
}

func TestNewSubprocessRejectsMissingBinary(t *testing.T) {
	if _, err := NewSubprocess("/nonexistent/converter", nil, "cpu", t.TempDir()); err == nil {
		t.Fatalf("expected error for missing binary")
	}
	if _, err := NewSubprocess("  ", nil, "cpu", t.TempDir()); err == nil {
		t.Fatalf("expected error for blank binary")
	}
}
