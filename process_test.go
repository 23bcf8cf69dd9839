package genassume

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fwessels/genassume/internal/rewriter"
)

const sampleHeader = `/* SSE intrinsics */
static __inline__ void __attribute__((__always_inline__, __nodebug__))
_mm_foo(void)
{
  do_something();
}

#define _mm_bar(a) ((a)+1)
`

const sampleRewritten = rewriter.Sentinel + `/* SSE intrinsics */
static __inline__ void __attribute__((__always_inline__, __nodebug__))
_mm_foo(void)
{
  __builtin_assume(__builtin_has_cpu_feature(_FEATURE_SSE2));
  do_something();
}

#define _mm_bar(a) ((a)+1)
`

// populateHeaders creates every configured header in dir, empty except for
// the ones given explicit contents.
func populateHeaders(t *testing.T, dir string, contents map[string]string) {
	t.Helper()
	for _, name := range headerFiles {
		body := contents[name]
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0644))
	}
}

func readDir(t *testing.T, dir string) map[string]string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	files := make(map[string]string, len(entries))
	for _, e := range entries {
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		require.NoError(t, err)
		files[e.Name()] = string(b)
	}
	return files
}

func TestProcessDir(t *testing.T) {
	dir := t.TempDir()
	populateHeaders(t, dir, map[string]string{"xmmintrin.h": sampleHeader})
	fm := FeatureMap{"_mm_foo": "SSE2"}

	require.NoError(t, ProcessDir(fm, dir))

	got, err := os.ReadFile(filepath.Join(dir, "xmmintrin.h"))
	require.NoError(t, err)
	require.Equal(t, sampleRewritten, string(got))

	// Empty headers end up carrying just the sentinel.
	got, err = os.ReadFile(filepath.Join(dir, "mmintrin.h"))
	require.NoError(t, err)
	require.Equal(t, rewriter.Sentinel, string(got))

	// No renamed-aside copies left behind.
	for name := range readDir(t, dir) {
		require.False(t, strings.HasSuffix(name, ".tmp"), "leftover file %s", name)
	}
}

func TestProcessDirIdempotent(t *testing.T) {
	dir := t.TempDir()
	populateHeaders(t, dir, map[string]string{"xmmintrin.h": sampleHeader})
	fm := FeatureMap{"_mm_foo": "SSE2"}

	require.NoError(t, ProcessDir(fm, dir))
	first := readDir(t, dir)

	require.NoError(t, ProcessDir(fm, dir))
	require.Equal(t, first, readDir(t, dir))
}

func TestProcessDirMissingHeader(t *testing.T) {
	err := ProcessDir(FeatureMap{}, t.TempDir())
	require.Error(t, err)
	require.Contains(t, err.Error(), headerFiles[0])
}
