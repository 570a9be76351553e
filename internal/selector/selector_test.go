package selector

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spachava753/deskeval/internal/models"
)

func makeTasks(n int) []models.TaskDescriptor {
	domains := []string{"chrome", "os", "vlc"}
	tasks := make([]models.TaskDescriptor, n)
	for i := range tasks {
		tasks[i] = models.TaskDescriptor{Domain: domains[i%len(domains)], ExampleID: fmt.Sprintf("ex%02d", i)}
	}
	return tasks
}

func ids(sel []models.SelectedTask) []string {
	out := make([]string, len(sel))
	for i, s := range sel {
		out[i] = s.Task.ExampleID
	}
	return out
}

func TestSelectIndices(t *testing.T) {
	tasks := makeTasks(50)

	got, err := Select(tasks, Selection{Mode: ModeIndices, Indices: []int{0, 7, 42}})
	require.NoError(t, err)
	assert.Equal(t, []string{"ex00", "ex07", "ex42"}, ids(got))
	assert.Equal(t, 42, got[2].Index)

	_, err = Select(tasks, Selection{Mode: ModeIndices, Indices: []int{0, 0}})
	var se *SelectorError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Reason, "duplicate")

	_, err = Select(tasks, Selection{Mode: ModeIndices, Indices: []int{50}})
	assert.ErrorAs(t, err, &se)

	_, err = Select(tasks, Selection{Mode: ModeIndices})
	assert.ErrorAs(t, err, &se)
}

func TestSelectRandomDeterministic(t *testing.T) {
	tasks := makeTasks(50)
	sel := Selection{Mode: ModeRandom, K: 10, Seed: 42}

	a, err := Select(tasks, sel)
	require.NoError(t, err)
	b, err := Select(tasks, sel)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 10)

	seen := map[string]bool{}
	for _, st := range a {
		assert.False(t, seen[st.Task.ExampleID], "sampled without replacement")
		seen[st.Task.ExampleID] = true
	}

	c, err := Select(tasks, Selection{Mode: ModeRandom, K: 10, Seed: 43})
	require.NoError(t, err)
	assert.NotEqual(t, ids(a), ids(c))
}

func TestSelectRandomClampsAndRejects(t *testing.T) {
	tasks := makeTasks(5)
	got, err := Select(tasks, Selection{Mode: ModeRandom, K: 99, Seed: 1})
	require.NoError(t, err)
	assert.Len(t, got, 5)

	_, err = Select(tasks, Selection{Mode: ModeRandom, K: 0})
	assert.Error(t, err)
}

func TestSelectDomainAndSingle(t *testing.T) {
	tasks := makeTasks(9)

	got, err := Select(tasks, Selection{Mode: ModeDomain, Domain: "os"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ex01", "ex04", "ex07"}, ids(got))

	_, err = Select(tasks, Selection{Mode: ModeDomain, Domain: "gimp"})
	assert.Error(t, err)

	got, err = Select(tasks, Selection{Mode: ModeSingle, Domain: "vlc", ExampleID: "ex05"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 5, got[0].Index)

	_, err = Select(tasks, Selection{Mode: ModeSingle, Domain: "vlc", ExampleID: "ex04"})
	assert.Error(t, err)
}

func TestFiltersApplyBeforeMode(t *testing.T) {
	tasks := makeTasks(6)
	tasks[0].RequiresExternalDrive = true
	tasks[3].RequiresProxy = true

	got, err := Select(tasks, Selection{Mode: ModeAll, NoExternalDrive: true, NoProxy: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"ex01", "ex02", "ex04", "ex05"}, ids(got))
	assert.Equal(t, []int{0, 1, 2, 3}, []int{got[0].Index, got[1].Index, got[2].Index, got[3].Index})

	// Indices refer to the filtered order.
	got, err = Select(tasks, Selection{Mode: ModeIndices, Indices: []int{0}, NoExternalDrive: true})
	require.NoError(t, err)
	assert.Equal(t, "ex01", got[0].Task.ExampleID)

	_, err = Select(tasks, Selection{Mode: ModeSingle, Domain: "chrome", ExampleID: "ex00", NoExternalDrive: true})
	assert.Error(t, err)
}

func TestAllKeepsOrder(t *testing.T) {
	tasks := makeTasks(4)
	got, err := Select(tasks, Selection{Mode: ModeSmall})
	require.NoError(t, err)
	assert.Equal(t, []string{"ex00", "ex01", "ex02", "ex03"}, ids(got))

	_, err = Select(tasks, Selection{Mode: "bogus"})
	assert.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	sel := FromConfig(models.SelectionConfig{Mode: "Single", Example: "chrome/abc", K: 3, Seed: 9})
	assert.Equal(t, ModeSingle, sel.Mode)
	assert.Equal(t, "chrome", sel.Domain)
	assert.Equal(t, "abc", sel.ExampleID)
	assert.Equal(t, int64(9), sel.Seed)
}
