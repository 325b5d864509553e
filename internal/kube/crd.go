package kube

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/edvin/dbsync/internal/model"
)

// CRD returns the DbSyncPort definition restricting spec.network to networks.
func CRD(networks []string) *apiextensionsv1.CustomResourceDefinition {
	enum := make([]apiextensionsv1.JSON, 0, len(networks))
	for _, n := range networks {
		enum = append(enum, apiextensionsv1.JSON{Raw: []byte(fmt.Sprintf("%q", n))})
	}

	str := func(desc string) apiextensionsv1.JSONSchemaProps {
		return apiextensionsv1.JSONSchemaProps{Type: "string", Description: desc}
	}

	network := str("Network whose db-sync replicas are exposed.")
	network.Enum = enum
	tier := str("Billing tier recorded on consumption metrics.")
	tier.Nullable = true

	return &apiextensionsv1.CustomResourceDefinition{
		TypeMeta: metav1.TypeMeta{
			APIVersion: "apiextensions.k8s.io/v1",
			Kind:       "CustomResourceDefinition",
		},
		ObjectMeta: metav1.ObjectMeta{Name: model.Plural + "." + model.Group},
		Spec: apiextensionsv1.CustomResourceDefinitionSpec{
			Group: model.Group,
			Names: apiextensionsv1.CustomResourceDefinitionNames{
				Plural:   model.Plural,
				Singular: "dbsyncport",
				Kind:     model.Kind,
				ListKind: model.ListKind,
			},
			Scope: apiextensionsv1.NamespaceScoped,
			Versions: []apiextensionsv1.CustomResourceDefinitionVersion{{
				Name:    model.Version,
				Served:  true,
				Storage: true,
				Subresources: &apiextensionsv1.CustomResourceSubresources{
					Status: &apiextensionsv1.CustomResourceSubresourceStatus{},
				},
				AdditionalPrinterColumns: []apiextensionsv1.CustomResourceColumnDefinition{
					{Name: "Network", Type: "string", JSONPath: ".spec.network"},
					{Name: "Username", Type: "string", JSONPath: ".status.username"},
					{Name: "Password", Type: "string", JSONPath: ".status.password"},
				},
				Schema: &apiextensionsv1.CustomResourceValidation{
					OpenAPIV3Schema: &apiextensionsv1.JSONSchemaProps{
						Type:     "object",
						Required: []string{"spec"},
						Properties: map[string]apiextensionsv1.JSONSchemaProps{
							"spec": {
								Type:     "object",
								Required: []string{"network"},
								Properties: map[string]apiextensionsv1.JSONSchemaProps{
									"network": network,
									"tier":    tier,
								},
							},
							"status": {
								Type:     "object",
								Nullable: true,
								Required: []string{"username", "password"},
								Properties: map[string]apiextensionsv1.JSONSchemaProps{
									"username": str("Database role issued to the tenant."),
									"password": str("Password of the database role."),
								},
							},
						},
					},
				},
			}},
		},
	}
}

// MarshalCRD renders crd as YAML, or as indented JSON when asJSON is set.
func MarshalCRD(crd *apiextensionsv1.CustomResourceDefinition, asJSON bool) ([]byte, error) {
	data, err := json.Marshal(crd)
	if err != nil {
		return nil, fmt.Errorf("marshal crd: %w", err)
	}

	// yaml.v3 does not read json tags.
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode crd: %w", err)
	}
	// Status is server-populated.
	delete(doc, "status")
	if meta, ok := doc["metadata"].(map[string]any); ok {
		delete(meta, "creationTimestamp")
	}

	if asJSON {
		return json.MarshalIndent(doc, "", "  ")
	}
	return yaml.Marshal(doc)
}
