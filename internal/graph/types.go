package graph

// Upload states reported by the management API on a content file. The
// uploader polls for the storage URI first and for commit processing second;
// the Pending states keep the poll loop going, the Failed states are fatal.
const (
	UploadStateURIPending    = "azureStorageUriRequestPending"
	UploadStateURISuccess    = "azureStorageUriRequestSuccess"
	UploadStateURIFailed     = "azureStorageUriRequestFailed"
	UploadStateCommitPending = "commitFilePending"
	UploadStateCommitSuccess = "commitFileSuccess"
	UploadStateCommitFailed  = "commitFileFailed"
)

// AppRequest is the application shell record created before any content is
// uploaded. The shell stays invisible to end users until a content version is
// committed against it.
type AppRequest struct {
	ODataType      string `json:"@odata.type"`
	DisplayName    string `json:"displayName"`
	Description    string `json:"description,omitempty"`
	Publisher      string `json:"publisher,omitempty"`
	FileName       string `json:"fileName"`
	SetupFilePath  string `json:"setupFilePath,omitempty"`
	InstallCommand string `json:"installCommandLine,omitempty"`
	UninstallCmd   string `json:"uninstallCommandLine,omitempty"`
	InstallScope   string `json:"installExperience,omitempty"`
	Notes          string `json:"notes,omitempty"`
}

// appResource is the wire shape of a created application record.
type appResource struct {
	ID string `json:"id"`
}

// contentVersionResource is the wire shape of a created content version.
type contentVersionResource struct {
	ID string `json:"id"`
}

// contentFileRequest declares one uploadable file under a content version,
// including the encrypted size the blob store should expect.
type contentFileRequest struct {
	ODataType     string `json:"@odata.type"`
	Name          string `json:"name"`
	Size          int64  `json:"size"`
	SizeEncrypted int64  `json:"sizeEncrypted"`
	Manifest      any    `json:"manifest"`
	IsDependency  bool   `json:"isDependency"`
}

// ContentFile is the polled view of a content file descriptor.
type ContentFile struct {
	ID              string `json:"id"`
	UploadState     string `json:"uploadState"`
	AzureStorageURI string `json:"azureStorageUri"`
}

// fileEncryptionInfo is the wire shape of the encryption descriptor attached
// at commit time.
type fileEncryptionInfo struct {
	EncryptionKey        string `json:"encryptionKey"`
	MacKey               string `json:"macKey"`
	InitializationVector string `json:"initializationVector"`
	Mac                  string `json:"mac"`
	ProfileIdentifier    string `json:"profileIdentifier"`
	FileDigest           string `json:"fileDigest"`
	FileDigestAlgorithm  string `json:"fileDigestAlgorithm"`
}

// commitRequest wraps the encryption descriptor for the commit call.
type commitRequest struct {
	FileEncryptionInfo fileEncryptionInfo `json:"fileEncryptionInfo"`
}

// detectionRuleResource is one entry of the detection rule array patched onto
// the application record.
type detectionRuleResource struct {
	ODataType            string `json:"@odata.type"`
	Path                 string `json:"path,omitempty"`
	FileOrFolderName     string `json:"fileOrFolderName,omitempty"`
	DetectionType        string `json:"detectionType,omitempty"`
	Check32BitOn64System bool   `json:"check32BitOn64System"`
	KeyPath              string `json:"keyPath,omitempty"`
	ValueName            string `json:"valueName,omitempty"`
	ProductCode          string `json:"productCode,omitempty"`
	ProductVersion       string `json:"productVersion,omitempty"`
	ScriptContent        string `json:"scriptContent,omitempty"`
}

// organizationResponse is the consent-probe response; an accessible
// organization collection means admin consent is in place for the tenant.
type organizationResponse struct {
	Value []struct {
		ID          string `json:"id"`
		DisplayName string `json:"displayName"`
	} `json:"value"`
}
