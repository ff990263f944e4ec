// Package render produces the viewable contract artifact.
package render

import (
	"context"
	"fmt"

	"franchise-onboarding/internal/common/errors"
	"franchise-onboarding/internal/common/httpclient"
	"franchise-onboarding/internal/models"
)

// HTTPRenderer asks the document service to render a contract and returns
// the storage reference of the produced artifact.
type HTTPRenderer struct {
	http    *httpclient.Client
	baseURL string
}

func NewHTTPRenderer(http *httpclient.Client, baseURL string) *HTTPRenderer {
	return &HTTPRenderer{http: http, baseURL: baseURL}
}

type renderRequest struct {
	ContractID     string `json:"contractId"`
	FranchiseeID   string `json:"franchiseeId"`
	ContractNumber string `json:"contractNumber"`
	Template       string `json:"template"`
}

type renderResponse struct {
	ArtifactRef string `json:"artifactRef"`
}

func (r *HTTPRenderer) Render(ctx context.Context, contract *models.Contract) (string, error) {
	req := renderRequest{
		ContractID:     contract.ID,
		FranchiseeID:   contract.FranchiseeID,
		ContractNumber: contract.ContractNumber,
		Template:       "franchise-agreement",
	}

	var resp renderResponse
	if err := r.http.PostJSON(ctx, r.baseURL+"/v1/render", nil, req, &resp); err != nil {
		return "", errors.NewExternalServiceError("renderer", err)
	}
	if resp.ArtifactRef == "" {
		return "", errors.NewExternalServiceError("renderer",
			fmt.Errorf("render returned no artifact reference"))
	}
	return resp.ArtifactRef, nil
}

// StaticRenderer derives a deterministic artifact reference without calling
// out. Used when no renderer service is configured, typically in
// development.
type StaticRenderer struct {
	Prefix string
}

func (r *StaticRenderer) Render(_ context.Context, contract *models.Contract) (string, error) {
	prefix := r.Prefix
	if prefix == "" {
		prefix = "contracts"
	}
	return fmt.Sprintf("%s/%s/%s.pdf", prefix, contract.FranchiseeID, contract.ContractNumber), nil
}
