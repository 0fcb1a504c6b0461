package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/golang-jwt/jwt/v5"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
)

const graphScope = "https://graph.microsoft.com/.default"

func int32Ptr(i int) *int32 {
	v := int32(i)
	return &v
}

func strPtr(s string) *string {
	return &s
}

func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func boolValue(b *bool) bool {
	return b != nil && *b
}

// newCredential builds the token credential for the configured auth method.
func newCredential(config Config) (azcore.TokenCredential, error) {
	switch config.AuthMethod {
	case authClientID:
		tenant := config.TenantID
		if config.TenantIDFlag != "" {
			tenant = config.TenantIDFlag
		}
		cred, err := azidentity.NewClientSecretCredential(tenant, config.ClientID, config.ClientSecret, nil)
		if err != nil {
			return nil, fmt.Errorf("error creating client secret credential: %w", err)
		}
		return cred, nil
	default:
		// Uses the `az login` session of the current user.
		opts := &azidentity.AzureCLICredentialOptions{TenantID: config.TenantIDFlag}
		cred, err := azidentity.NewAzureCLICredential(opts)
		if err != nil {
			return nil, fmt.Errorf("error creating Azure CLI credential: %w", err)
		}
		return cred, nil
	}
}

// connect creates the credential and Graph client and resolves the tenant.
// Any failure here is fatal for the run: nothing has been fetched yet.
func connect(ctx context.Context, config Config, logger *slog.Logger) (*msgraphsdk.GraphServiceClient, string, error) {
	cred, err := newCredential(config)
	if err != nil {
		return nil, "", err
	}

	tenantID := config.TenantIDFlag
	if tenantID == "" {
		tenantID, err = getTenantID(ctx, cred)
		if err != nil {
			return nil, "", fmt.Errorf("error detecting tenant: %w", err)
		}
	}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{graphScope})
	if err != nil {
		return nil, "", fmt.Errorf("error creating Graph client: %w", err)
	}
	logger.Info("Connected to Microsoft Graph", "tenant", tenantID, "auth", config.AuthMethod)
	return client, tenantID, nil
}

func getTenantID(ctx context.Context, cred azcore.TokenCredential) (string, error) {
	token, err := cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{graphScope}})
	if err != nil {
		return "", fmt.Errorf("failed to get token: %w", err)
	}
	return tenantFromToken(token.Token)
}

// tenantFromToken reads the "tid" claim of an access token we just received
// from Entra ID. The signature is not verified, so this must never be used to
// authenticate incoming requests.
func tenantFromToken(raw string) (string, error) {
	parser := new(jwt.Parser)
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}
	tid, ok := claims["tid"].(string)
	if !ok || tid == "" {
		return "", errors.New("could not find 'tid' claim in token")
	}
	return tid, nil
}

// runHealthCheck verifies authentication and Graph reachability.
func runHealthCheck(ctx context.Context, config Config, logger *slog.Logger) error {
	client, tenantID, err := connect(ctx, config, logger)
	if err != nil {
		return err
	}
	org, err := client.Organization().Get(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to query organization: %w", err)
	}
	name := ""
	if orgs := org.GetValue(); len(orgs) > 0 {
		name = stringValue(orgs[0].GetDisplayName())
	}
	logger.Info("Health check passed", "tenant", tenantID, "organization", name)
	return nil
}
