package azure

import (
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/retry"
	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/storage"
)

// clientConn is the resolved client plus what the HEAD validation needs.
type clientConn struct {
	client   *azblob.Client
	endpoint string
	sas      string
	viaSAS   bool
}

// newClient builds a blob client for the target.
// Priority: 1) SAS  2) Service Principal  3) DefaultAzureCredential.
func newClient(t storage.AzureBlob) (clientConn, error) {
	endpoint := strings.TrimSpace(t.Endpoint)
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net/", t.Account)
	}
	if !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}

	if sasRaw := strings.TrimSpace(t.SASToken); sasRaw != "" {
		sas := strings.TrimPrefix(sasRaw, "?")
		cl, err := azblob.NewClientWithNoCredential(endpoint+"?"+sas, nil)
		return clientConn{client: cl, endpoint: endpoint, sas: sas, viaSAS: true}, err
	}

	if t.ClientID != "" && t.ClientSecret != "" && t.TenantID != "" {
		cred, err := azidentity.NewClientSecretCredential(t.TenantID, t.ClientID, t.ClientSecret, nil)
		if err != nil {
			return clientConn{}, err
		}
		cl, err := azblob.NewClient(endpoint, cred, nil)
		return clientConn{client: cl, endpoint: endpoint}, err
	}

	defCred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return clientConn{}, err
	}
	cl, err := azblob.NewClient(endpoint, defCred, nil)
	return clientConn{client: cl, endpoint: endpoint}, err
}

// New returns an Azure Blob backend for the target.
func New(t storage.AzureBlob, ro retry.Options) (*Backend, error) {
	if t.Container == "" {
		return nil, fmt.Errorf("azure: container is required")
	}
	conn, err := newClient(t)
	if err != nil {
		return nil, fmt.Errorf("azure: client: %w", err)
	}
	return &Backend{
		client:     conn.client,
		target:     t,
		endpoint:   conn.endpoint,
		sas:        conn.sas,
		authViaSAS: conn.viaSAS,
		ro:         ro,
	}, nil
}
