package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

// AzureProvider uploads block blobs into one container. accountURL may
// carry a SAS token; otherwise accountName/accountKey authenticate with a
// shared key.
type AzureProvider struct {
	container  string
	accountURL string
	client     *azblob.Client
}

func NewAzureProvider(accountURL, container, accountName, accountKey string) (*AzureProvider, error) {
	if accountURL == "" || container == "" {
		return nil, errors.New("azure account url and container are required")
	}

	var (
		client *azblob.Client
		err    error
	)
	if accountName != "" && accountKey != "" {
		cred, cerr := azblob.NewSharedKeyCredential(accountName, accountKey)
		if cerr != nil {
			return nil, fmt.Errorf("azure shared key: %w", cerr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(accountURL, cred, nil)
	} else {
		client, err = azblob.NewClientWithNoCredential(accountURL, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("create azure client: %w", err)
	}
	return &AzureProvider{container: container, accountURL: accountURL, client: client}, nil
}

func (p *AzureProvider) Name() string { return "azure" }

func (p *AzureProvider) Upload(ctx context.Context, localPath, key string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := p.client.UploadFile(ctx, p.container, key, f, nil); err != nil {
		return "", fmt.Errorf("upload blob %s/%s: %w", p.container, key, err)
	}
	base := p.accountURL
	if i := strings.IndexByte(base, '?'); i >= 0 {
		base = base[:i]
	}
	return strings.TrimRight(base, "/") + "/" + p.container + "/" + key, nil
}
