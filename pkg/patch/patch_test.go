package patch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mainGo = `package main

import "fmt"

func main() {
	fmt.Println("hi")
}

func helper() int {
	return 1
}
`

const mislabelled = `--- a/cmd/wrong.go
+++ b/cmd/wrong.go
@@ -10,3 +10,3 @@
 func main() {
-	fmt.Println("hi")
+	fmt.Println("hello")
+	fmt.Println("again")
 }
@@ -1,3 +1,4 @@
 func helper() int {
-	return 1
+	// doubled
+	return 2
 }
`

const repaired = `--- a/main.go
+++ b/main.go
@@ -5,3 +5,4 @@
 func main() {
-	fmt.Println("hi")
+	fmt.Println("hello")
+	fmt.Println("again")
 }
@@ -9,3 +10,4 @@
 func helper() int {
-	return 1
+	// doubled
+	return 2
 }
`

func TestRepairFixesEveryHunkAndPath(t *testing.T) {
	got, err := Repair(SplitLines(mainGo), mislabelled, "main.go")
	require.NoError(t, err)
	assert.Equal(t, repaired, got)
}

func TestRepairIsIdempotent(t *testing.T) {
	once, err := Repair(SplitLines(mainGo), mislabelled, "main.go")
	require.NoError(t, err)
	twice, err := Repair(SplitLines(mainGo), once, "main.go")
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestRepairedPatchApplies(t *testing.T) {
	fixed, err := Repair(SplitLines(mainGo), mislabelled, "main.go")
	require.NoError(t, err)

	got, err := Apply(mainGo, fixed, "main.go")
	require.NoError(t, err)
	assert.Equal(t, `package main

import "fmt"

func main() {
	fmt.Println("hello")
	fmt.Println("again")
}

func helper() int {
	// doubled
	return 2
}
`, got)
}

func TestRepairContextNotFound(t *testing.T) {
	patchText := "@@ -1,2 +1,2 @@\n func nowhere() {\n-\treturn\n+\treturn nil\n"
	_, err := Repair(SplitLines(mainGo), patchText, "main.go")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrContextNotFound))

	var cnf *ContextNotFoundError
	require.ErrorAs(t, err, &cnf)
	assert.Equal(t, 0, cnf.Hunk)
	assert.Equal(t, []string{"func nowhere() {", "\treturn"}, cnf.Context)
}

func TestRepairSecondHunkSearchesAfterFirst(t *testing.T) {
	// The second hunk's anchor only occurs before the first hunk.
	patchText := "@@ -1,1 +1,1 @@\n-func helper() int {\n+func helper() int64 {\n@@ -1,1 +1,1 @@\n-package main\n+package app\n"
	_, err := Repair(SplitLines(mainGo), patchText, "main.go")
	var cnf *ContextNotFoundError
	require.ErrorAs(t, err, &cnf)
	assert.Equal(t, 1, cnf.Hunk)
}

func TestRepairPrefersFullMatch(t *testing.T) {
	original := SplitLines("if err != nil {\n\treturn err\n}\nx := 1\nif err != nil {\n\treturn err\n}\ny := 2\n")
	patchText := "@@ -1,4 +1,4 @@\n if err != nil {\n \treturn err\n }\n-y := 2\n+y := 3\n"

	got, err := Repair(original, patchText, "f.go")
	require.NoError(t, err)
	assert.Contains(t, got, "@@ -5,4 +5,4 @@\n")
}

func TestRepairToleratesMissingContextPrefix(t *testing.T) {
	patchText := "@@ -99,2 +99,2 @@\nfunc main() {\n-\tfmt.Println(\"hi\")\n+\tfmt.Println(\"yo\")\n\n"
	got, err := Repair(SplitLines(mainGo), patchText, "main.go")
	require.NoError(t, err)
	assert.Equal(t, "--- a/main.go\n+++ b/main.go\n@@ -5,2 +5,2 @@\n func main() {\n-\tfmt.Println(\"hi\")\n+\tfmt.Println(\"yo\")\n", got)
}

func TestRepairKeepsPureAdditionPosition(t *testing.T) {
	patchText := "@@ -3,0 +4,1 @@\n+// inserted\n"
	got, err := Repair(SplitLines(mainGo), patchText, "main.go")
	require.NoError(t, err)
	assert.Contains(t, got, "@@ -3,0 +4,1 @@\n+// inserted\n")
}

func TestRepairNoHunks(t *testing.T) {
	_, err := Repair(SplitLines(mainGo), "just some prose", "main.go")
	assert.ErrorIs(t, err, ErrNoHunks)
}

func TestApplyCreatesFile(t *testing.T) {
	got, err := Apply("", "--- /dev/null\n+++ b/new.go\n@@ -0,0 +1,2 @@\n+package x\n+\n", "new.go")
	require.NoError(t, err)
	assert.Equal(t, "package x\n\n", got)

	got, err = Apply("", "@@ @@\n+hello\n", "new.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", got)
}

func TestApplyConflict(t *testing.T) {
	_, err := Apply("a\nb\n", "@@ -1,2 +1,2 @@\n a\n-x\n+y\n", "f.txt")
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.Equal(t, 2, ce.Line)
	assert.Equal(t, "b", ce.Got)
}

func TestApplyRejectsUnnumberedHunkOnExistingFile(t *testing.T) {
	_, err := Apply("a\n", "@@ @@\n-a\n+b\n", "f.txt")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestUnified(t *testing.T) {
	got := Unified("a.go", "a\nb\nc\n", "a\nB\nc\n")
	assert.Equal(t, "--- a/a.go\n+++ b/a.go\n@@ -1,3 +1,3 @@\n a\n-b\n+B\n c\n", got)
	assert.Empty(t, Unified("a.go", "same\n", "same\n"))

	created := Unified("n.go", "", "x\n")
	assert.Equal(t, "--- /dev/null\n+++ b/n.go\n@@ -0,0 +1,1 @@\n+x\n", created)
}

func TestUnifiedRoundTrip(t *testing.T) {
	before := mainGo
	after := "package main\n\nimport \"fmt\"\n\nfunc main() {\n\tfmt.Println(\"changed\")\n}\n\nfunc helper() int {\n\treturn 1\n}\n\nfunc extra() {}\n"

	d := Unified("main.go", before, after)
	got, err := Apply(before, d, "main.go")
	require.NoError(t, err)
	assert.Equal(t, after, got)

	added, removed := Stats(d)
	assert.Equal(t, 3, added)
	assert.Equal(t, 1, removed)
}

func TestApplyHonorsNoNewlineMarker(t *testing.T) {
	original := "a\nb\nc\nd\ne\n"
	fixed, err := Repair(SplitLines(original), "@@ -3,3 +3,3 @@\n c\n d\n-e\n+E\n\\ No newline at end of file\n", "f.txt")
	require.NoError(t, err)

	got, err := Apply(original, fixed, "f.txt")
	require.NoError(t, err)
	assert.Equal(t, "a\nb\nc\nd\nE", got)

	// A marker on the removed side only: the new last line gains a newline.
	got, err = Apply("x\ny", "@@ -1,2 +1,2 @@\n x\n-y\n\\ No newline at end of file\n+Y\n", "g.txt")
	require.NoError(t, err)
	assert.Equal(t, "x\nY\n", got)
}

func TestApplyKeepsCRLF(t *testing.T) {
	got, err := Apply("a\r\nb\r\nc\r\n", "@@ -1,3 +1,3 @@\n a\n-b\n+B\n c\n", "f.txt")
	require.NoError(t, err)
	assert.Equal(t, "a\r\nB\r\nc\r\n", got)

	assert.Equal(t, "\r\n", LineEnding("x\r\ny"))
	assert.Equal(t, "\n", LineEnding("x\ny\r\n"))
	assert.Equal(t, "\n", LineEnding(""))
}
