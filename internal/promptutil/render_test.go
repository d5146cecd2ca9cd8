package promptutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRender_SubstitutesBothPlaceholders(t *testing.T) {
	out, err := Render("Assess {{IMAGE}} against prior {{PRIOR_OUTPUT}}.", "b64img", `{"score":1}`)
	require.NoError(t, err)
	require.Equal(t, `Assess b64img against prior {"score":1}.`, out)
}

func TestRender_MissingPlaceholderIsFine(t *testing.T) {
	out, err := Render("Assess the image for lighting quality.", "b64img", "")
	require.NoError(t, err)
	require.Equal(t, "Assess the image for lighting quality.", out)
}

func TestRender_InvalidTemplateErrors(t *testing.T) {
	_, err := Render("{{.Broken", "x", "y")
	require.Error(t, err)
}
