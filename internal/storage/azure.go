package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/rs/zerolog"
)

// AzureBlobConfig configures an Azure Blob Storage backend.
// Authentication is tried in order: connection string, account key, managed identity.
type AzureBlobConfig struct {
	ConnectionString   string
	AccountName        string
	AccountKey         string
	UseManagedIdentity bool
	ContainerName      string
	Endpoint           string // Azurite or sovereign clouds
}

// AzureBlobBackend stores objects as block blobs in one container
type AzureBlobBackend struct {
	container *container.Client
	name      string
	logger    zerolog.Logger
}

// NewAzureBlobBackend authenticates and checks that the container exists
func NewAzureBlobBackend(ctx context.Context, cfg *AzureBlobConfig, logger zerolog.Logger) (*AzureBlobBackend, error) {
	if cfg.ContainerName == "" {
		return nil, errors.New("azure container name is required")
	}
	log := logger.With().Str("component", "azure-storage").Str("container", cfg.ContainerName).Logger()

	endpoint := cfg.Endpoint
	if endpoint == "" && cfg.AccountName != "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AccountName)
	}

	var client *azblob.Client
	var err error
	switch {
	case cfg.ConnectionString != "":
		client, err = azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	case cfg.AccountName != "" && cfg.AccountKey != "":
		var cred *azblob.SharedKeyCredential
		cred, err = azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if err == nil {
			client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, nil)
		}
	case cfg.UseManagedIdentity && cfg.AccountName != "":
		var cred *azidentity.DefaultAzureCredential
		cred, err = azidentity.NewDefaultAzureCredential(nil)
		if err == nil {
			client, err = azblob.NewClient(endpoint, cred, nil)
		}
	default:
		return nil, errors.New("no Azure authentication configured: set connection_string, account_name+account_key or account_name+use_managed_identity")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure client: %w", err)
	}

	cc := client.ServiceClient().NewContainerClient(cfg.ContainerName)

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := cc.GetProperties(checkCtx, nil); err != nil {
		return nil, fmt.Errorf("failed to reach container %s: %w", cfg.ContainerName, err)
	}
	log.Info().Msg("Connected to Azure Blob Storage container")

	return &AzureBlobBackend{container: cc, name: cfg.ContainerName, logger: log}, nil
}

// Write uploads data as a block blob
func (b *AzureBlobBackend) Write(ctx context.Context, path string, data []byte) error {
	start := time.Now()
	ct := contentType(path)
	_, err := b.container.NewBlockBlobClient(strings.TrimPrefix(path, "/")).UploadBuffer(ctx, data, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &ct},
	})
	if err != nil {
		return fmt.Errorf("failed to write to Azure Blob Storage: %w", err)
	}

	b.logger.Debug().
		Str("path", path).
		Int("size", len(data)).
		Dur("duration", time.Since(start)).
		Msg("Wrote blob")
	return nil
}

// Exists reads blob properties
func (b *AzureBlobBackend) Exists(ctx context.Context, path string) (bool, error) {
	_, err := b.container.NewBlobClient(strings.TrimPrefix(path, "/")).GetProperties(ctx, nil)
	if err != nil {
		if isAzureNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check Azure blob: %w", err)
	}
	return true, nil
}

// Delete removes one blob
func (b *AzureBlobBackend) Delete(ctx context.Context, path string) error {
	_, err := b.container.NewBlobClient(strings.TrimPrefix(path, "/")).Delete(ctx, nil)
	if err != nil && !isAzureNotFound(err) {
		return fmt.Errorf("failed to delete from Azure Blob Storage: %w", err)
	}
	return nil
}

// List pages through every blob under prefix
func (b *AzureBlobBackend) List(ctx context.Context, prefix string) ([]string, error) {
	prefix = strings.TrimPrefix(prefix, "/")
	var out []string
	pager := b.container.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{Prefix: &prefix})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list Azure blobs: %w", err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				out = append(out, *item.Name)
			}
		}
	}
	return out, nil
}

// Close is a no-op
func (b *AzureBlobBackend) Close() error { return nil }

// Type returns "azure"
func (b *AzureBlobBackend) Type() string { return "azure" }

// Container returns the container name
func (b *AzureBlobBackend) Container() string { return b.name }

func isAzureNotFound(err error) bool {
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return true
	}
	var re *azcore.ResponseError
	return errors.As(err, &re) && re.StatusCode == 404
}
