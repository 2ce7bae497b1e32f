package gemini

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCodesBareArray(t *testing.T) {
	codes, err := ParseCodes(`[{"code":"8011642115887","symbologyGuess":"EAN-13","confidence":0.95}]`)
	require.NoError(t, err)
	require.Len(t, codes, 1)
	assert.Equal(t, "8011642115887", codes[0].Code)
	assert.Equal(t, "EAN-13", codes[0].SymbologyGuess)
	assert.InDelta(t, 0.95, codes[0].Confidence, 1e-9)
}

func TestParseCodesEmptyArray(t *testing.T) {
	codes, err := ParseCodes("[]")
	require.NoError(t, err)
	assert.Empty(t, codes)
}

func TestParseCodesMarkdownFence(t *testing.T) {
	text := "Here are the barcodes I found:\n```json\n[{\"code\":\"96385074\",\"symbologyGuess\":\"EAN-8\",\"confidence\":0.8}]\n```\n"
	codes, err := ParseCodes(text)
	require.NoError(t, err)
	require.Len(t, codes, 1)
	assert.Equal(t, "96385074", codes[0].Code)
}

func TestParseCodesArrayEmbeddedInProse(t *testing.T) {
	text := `I detected one barcode. [{"code":"036000291452","symbologyGuess":"UPC-A","confidence":0.7}] Let me know if you need more.`
	codes, err := ParseCodes(text)
	require.NoError(t, err)
	require.Len(t, codes, 1)
	assert.Equal(t, "036000291452", codes[0].Code)
}

func TestParseCodesSingleObject(t *testing.T) {
	codes, err := ParseCodes(`{"code":"8011642115887","symbologyGuess":"EAN-13","confidence":0.9}`)
	require.NoError(t, err)
	require.Len(t, codes, 1)
}

func TestParseCodesSkipsBlankCodes(t *testing.T) {
	codes, err := ParseCodes(`[{"code":"","confidence":0.5},{"code":"96385074","confidence":0.6}]`)
	require.NoError(t, err)
	require.Len(t, codes, 1)
	assert.Equal(t, "UNKNOWN", codes[0].SymbologyGuess)
}

func TestParseCodesUnparseable(t *testing.T) {
	_, err := ParseCodes("I could not find any barcodes in this image.")
	assert.Error(t, err)

	_, err = ParseCodes("")
	assert.Error(t, err)
}
