package attachment

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/orchestra-labs/agentcore/internal/store/postgres"
)

func TestSanitizeFormat_LowercasesAndStripsLeadingDot(t *testing.T) {
	require.Equal(t, "png", sanitizeFormat("PNG"))
	require.Equal(t, "jpeg", sanitizeFormat(".jpeg"))
}

func TestSanitizeFormat_DefaultsToPngWhenEmpty(t *testing.T) {
	require.Equal(t, "png", sanitizeFormat(""))
}

func TestSanitizeToken_ReplacesNonAlphanumericRunes(t *testing.T) {
	require.Equal(t, "call_123_abc", sanitizeToken("call 123/abc"))
}

func TestSanitizeToken_DefaultsWhenEmptyAfterSanitizing(t *testing.T) {
	require.Equal(t, "attachment", sanitizeToken(""))
}

func TestMimeFromExtension_KnownExtensions(t *testing.T) {
	require.Equal(t, "image/png", mimeFromExtension("plot.png"))
	require.Equal(t, "image/jpeg", mimeFromExtension("photo.JPG"))
	require.Equal(t, "application/pdf", mimeFromExtension("report.pdf"))
	require.Equal(t, "text/csv", mimeFromExtension("data.csv"))
}

func TestMimeFromExtension_UnknownExtensionFallsBackToOctetStream(t *testing.T) {
	require.Equal(t, "application/octet-stream", mimeFromExtension("archive.bin"))
}

func TestObjectKey_IsTenantAndAssetScoped(t *testing.T) {
	tenantID := uuid.New()
	assetID := uuid.New()
	key := objectKey(tenantID, assetID, "chart.png")
	require.Contains(t, key, tenantID.String())
	require.Contains(t, key, assetID.String())
	require.Contains(t, key, "chart.png")
}

func TestAssetToAttachment_CopiesDedupeAndDescriptiveFields(t *testing.T) {
	a := postgres.Asset{
		ID: uuid.New(), Filename: "chart.png", MimeType: "image/png",
		SizeBytes: 42, ToolCallID: "call_1", ContainerFileID: "", CreatedAt: time.Now(),
	}
	att := assetToAttachment(a)
	require.Equal(t, a.ID.String(), att.ObjectID)
	require.Equal(t, "chart.png", att.Filename)
	require.Equal(t, "image/png", att.MimeType)
	require.Equal(t, int64(42), att.SizeBytes)
	require.Equal(t, "call_1", att.ToolCallID)
	require.Empty(t, att.ContainerFileID)
	require.Empty(t, att.PresignedURL)
}
