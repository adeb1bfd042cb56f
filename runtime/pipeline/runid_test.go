package pipeline_test

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/McKhanster/autoninja-sub001/runtime/pipeline"
)

func TestKeyword(t *testing.T) {
	cases := map[string]string{
		"I want to build a friend agent":              "friend",
		"Create a customer support chatbot":           "customer",
		"I would like an app":                         "i",
		"":                                            "agent",
		"!!!":                                         "agent",
		"Build an extraordinarilylongkeywordhere bot": "extraordinarilylongk",
		"Make a TODO tracker":                         "todo",
	}
	for in, want := range cases {
		assert.Equal(t, want, pipeline.Keyword(in), in)
	}
}

func TestNewRunIDUsesUTC(t *testing.T) {
	loc := time.FixedZone("PDT", -7*3600)
	now := time.Date(2025, 10, 13, 7, 30, 22, 0, loc)
	assert.Equal(t, "run-friend-20251013-143022", pipeline.NewRunID("friend agent", now))
}

func TestNewRunIDFormat(t *testing.T) {
	format := regexp.MustCompile(`^run-[a-z]{1,20}-\d{8}-\d{6}$`)
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)
	properties.Property("run ids are run-<keyword>-<timestamp>", prop.ForAll(
		func(request string, secs int64) bool {
			id := pipeline.NewRunID(request, time.Unix(secs, 0))
			return format.MatchString(id) && pipeline.ValidateRunID(id) == nil
		},
		gen.AnyString(),
		gen.Int64Range(0, 4102444800),
	))
	properties.TestingRun(t)
}

func TestValidateRunID(t *testing.T) {
	for _, id := range []string{"run-1", "run-friend-20251013-143022", "Team_A.v2", strings.Repeat("a", 128)} {
		assert.NoError(t, pipeline.ValidateRunID(id), id)
	}
	for _, id := range []string{"", ".", "..", "team/a", "a#b", "-lead", "has space", "tab\t", "q?x", "é", strings.Repeat("a", 129)} {
		assert.ErrorIs(t, pipeline.ValidateRunID(id), pipeline.ErrInvalidRunID, id)
	}
}
