package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pbfleet/pbfleet-agent/internal/domain"
)

func TestSanitizeNameVariants(t *testing.T) {
	cases := map[string]string{
		"blog":           "blog",
		"My Blog":        "my_blog",
		"  spaced  ":     "spaced",
		"weird!!chars##": "weird_chars",
		"a--b_c":         "a--b_c",
		"___":            "",
		"Üñïçødé":        "d",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeName(in), "input %q", in)
	}
}

func TestRunScriptContent(t *testing.T) {
	inst := domain.Instance{Name: "blog", Port: 7211}
	script := runScript(inst, "/srv/instances/blog")

	assert.Contains(t, script, "#!/bin/bash")
	assert.Contains(t, script, `cd "/srv/instances/blog"`)
	assert.Contains(t, script, "0.0.0.0:7211")
	assert.Contains(t, script, "/srv/instances/blog/pb_data")
	assert.Contains(t, script, "/srv/instances/blog/pb_hooks")
	assert.Contains(t, script, "/srv/instances/blog/pb_migrations")
	assert.Contains(t, script, "/srv/instances/blog/pb_public")
	assert.NotContains(t, script, "--dev")

	inst.DevMode = true
	assert.Contains(t, runScript(inst, "/srv/instances/blog"), "--dev")
}
