package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
)

// AzureKeyVaultProvider satisfies Provider against an Azure Key Vault
// instance, for tenants that want secrets managed outside the platform's
// own encrypted store. It is built directly on azcore's generic request
// pipeline and azidentity's credential chain rather than a dedicated
// data-plane SDK module, since only azcore/azidentity are part of this
// platform's dependency set.
type AzureKeyVaultProvider struct {
	vaultBaseURL string
	pipeline     runtime.Pipeline
}

const keyVaultAPIVersion = "7.4"

// NewAzureKeyVaultProvider builds a provider against vaultBaseURL (e.g.
// "https://my-vault.vault.azure.net") using DefaultAzureCredential, which
// tries environment, managed identity, and CLI credentials in turn.
func NewAzureKeyVaultProvider(vaultBaseURL string) (*AzureKeyVaultProvider, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("azure credential: %w", err)
	}
	authPolicy := runtime.NewBearerTokenPolicy(cred, []string{"https://vault.azure.net/.default"}, nil)
	pipeline := runtime.NewPipeline("faas-platform-secrets", "v1", runtime.PipelineOptions{
		PerRetry: []policy.Policy{authPolicy},
	}, nil)
	return &AzureKeyVaultProvider{vaultBaseURL: vaultBaseURL, pipeline: pipeline}, nil
}

type keyVaultSecretResponse struct {
	Value string `json:"value"`
}

// GetSecret implements Provider. A 404 from Key Vault is treated as "not
// present" (ok=false), not an error, so Service.Get falls through to the
// local encrypted store.
func (p *AzureKeyVaultProvider) GetSecret(ctx context.Context, name string) (string, bool, error) {
	url := fmt.Sprintf("%s/secrets/%s?api-version=%s", p.vaultBaseURL, name, keyVaultAPIVersion)
	req, err := runtime.NewRequest(ctx, http.MethodGet, url)
	if err != nil {
		return "", false, fmt.Errorf("build request: %w", err)
	}

	resp, err := p.pipeline.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("key vault request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", false, fmt.Errorf("key vault returned %d: %s", resp.StatusCode, string(body))
	}

	var parsed keyVaultSecretResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", false, fmt.Errorf("decode key vault response: %w", err)
	}
	return parsed.Value, true, nil
}
