package methods

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConvertToInitials(t *testing.T) {
	assert.Equal(t, "zgbj", ConvertToInitials("中国边界"))
	assert.Equal(t, "dlzxx2024", ConvertToInitials("2024道路-中心线"))
	assert.Equal(t, "roads_v2", ConvertToInitials("Roads_v2"))
}

func TestHasCJKOrSpace(t *testing.T) {
	assert.True(t, HasCJKOrSpace("中国边界"))
	assert.True(t, HasCJKOrSpace("land use"))
	assert.False(t, HasCJKOrSpace("landuse_2024"))
}

func TestSanitizeStoreName(t *testing.T) {
	assert.Equal(t, "中国边界", SanitizeStoreName(" 中国边界 "))
	assert.Equal(t, "land_use_v1", SanitizeStoreName("land use (v1)"))
	assert.Equal(t, "layer", SanitizeStoreName("***"))
}

func TestASCIIName(t *testing.T) {
	assert.Equal(t, "zgbj", ASCIIName("中国边界"))
	assert.Equal(t, "layer", ASCIIName("%%"))
}
