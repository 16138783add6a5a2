package storage

// Kind names a storage target variant.
type Kind string

const (
	KindGoogleCloud Kind = "google"
	KindAwsS3       Kind = "aws"
	KindAzureBlob   Kind = "azure"
)

// Target selects and configures one backend. It is a closed set: only the
// variants declared in this package implement it.
type Target interface {
	Kind() Kind
	// ObjectPath is the key for a bucket timestamp under the target's path prefix.
	ObjectPath(bucket int64) string
	isTarget()
}

// GoogleCloud targets a Google Cloud Storage bucket using service account credentials.
type GoogleCloud struct {
	ClientEmail string
	PrivateKey  string
	ProjectID   string
	Bucket      string
	Path        []string
	// Public uploads objects with the publicRead ACL.
	Public bool
}

// AwsS3 targets an S3 (or S3-compatible) bucket with static credentials.
type AwsS3 struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	// Endpoint overrides the service endpoint (MinIO, Ceph, ...); path-style addressing is used then.
	Endpoint string
	Bucket   string
	Path     []string
}

// AzureBlob targets an Azure Blob Storage container.
// Auth priority: SAS, then service principal, then DefaultAzureCredential.
type AzureBlob struct {
	Account      string
	Container    string
	SASToken     string
	ClientID     string
	ClientSecret string
	TenantID     string
	// Endpoint overrides https://<account>.blob.core.windows.net/.
	Endpoint string
	Path     []string
}

func (GoogleCloud) Kind() Kind { return KindGoogleCloud }
func (AwsS3) Kind() Kind       { return KindAwsS3 }
func (AzureBlob) Kind() Kind   { return KindAzureBlob }

func (t GoogleCloud) ObjectPath(bucket int64) string { return ObjectPath(t.Path, bucket) }
func (t AwsS3) ObjectPath(bucket int64) string       { return ObjectPath(t.Path, bucket) }
func (t AzureBlob) ObjectPath(bucket int64) string   { return ObjectPath(t.Path, bucket) }

func (GoogleCloud) isTarget() {}
func (AwsS3) isTarget()       {}
func (AzureBlob) isTarget()   {}
