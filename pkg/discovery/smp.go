package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/beevik/etree"
)

var (
	// ErrParticipantNotFound is returned when the SMP has no metadata for
	// the participant and document type.
	ErrParticipantNotFound = errors.New("participant not found in SMP")
	// ErrNoEndpoint is returned when the metadata lists no usable endpoint.
	ErrNoEndpoint = errors.New("no matching SMP endpoint")
)

// Transport profiles of AS4 endpoints, most preferred first.
const (
	TransportAS4V2     = "bdxr-transport-ebms3-as4-v2p0"
	TransportPeppolAS4 = "peppol-transport-as4-v2_0"
	TransportAS4V1     = "busdox-transport-ebms3-as4-v1p0"
)

// DefaultTransports is the transport preference of a Resolver.
var DefaultTransports = []string{TransportAS4V2, TransportPeppolAS4, TransportAS4V1}

const maxMetadataSize = 4 << 20

// Endpoint is one entry of an SMP ServiceEndpointList.
type Endpoint struct {
	ProcessID        string
	TransportProfile string
	Address          string
	// Certificate is the base64 DER certificate of the access point.
	Certificate string
	ActivatesAt time.Time
	ExpiresAt   time.Time
}

// Active reports whether the endpoint is in service at t.
func (e Endpoint) Active(t time.Time) bool {
	if !e.ActivatesAt.IsZero() && t.Before(e.ActivatesAt) {
		return false
	}
	if !e.ExpiresAt.IsZero() && !t.Before(e.ExpiresAt) {
		return false
	}
	return true
}

// ServiceMetadata is the SMP 1.0 answer for one participant and document
// type.
type ServiceMetadata struct {
	ParticipantID string
	DocumentType  string
	Endpoints     []Endpoint
	// Redirect is set when the SMP delegates to another publisher.
	Redirect string
}

// SMPClient queries Service Metadata Publishers over HTTP.
type SMPClient struct {
	client *http.Client
}

// NewSMPClient creates an SMPClient. A nil client gets a 30 second timeout.
func NewSMPClient(client *http.Client) *SMPClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &SMPClient{client: client}
}

// ServiceMetadata fetches <base>/<participant>/services/<documentType>.
func (c *SMPClient) ServiceMetadata(ctx context.Context, base, participantID, documentType string) (*ServiceMetadata, error) {
	u := strings.TrimRight(base, "/") + "/" + url.PathEscape(participantID) + "/services/" + url.PathEscape(documentType)
	md, err := c.fetch(ctx, u)
	if errors.Is(err, ErrParticipantNotFound) {
		return nil, fmt.Errorf("%w: %s %s", ErrParticipantNotFound, participantID, documentType)
	}
	return md, err
}

// fetch reads the metadata document at u.
func (c *SMPClient) fetch(ctx context.Context, u string) (*ServiceMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/xml")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying SMP: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrParticipantNotFound
	default:
		return nil, fmt.Errorf("querying SMP: status %d", resp.StatusCode)
	}

	doc := etree.NewDocument()
	if _, err := doc.ReadFrom(io.LimitReader(resp.Body, maxMetadataSize)); err != nil {
		return nil, fmt.Errorf("parsing SMP response: %w", err)
	}
	return parseServiceMetadata(doc)
}

// parseServiceMetadata reads a SignedServiceMetadata or bare
// ServiceMetadata document. Namespaces are ignored.
func parseServiceMetadata(doc *etree.Document) (*ServiceMetadata, error) {
	root := doc.Root()
	if root == nil {
		return nil, errors.New("parsing SMP response: empty document")
	}
	if root.Tag == "SignedServiceMetadata" {
		root = root.SelectElement("ServiceMetadata")
	}
	if root == nil || root.Tag != "ServiceMetadata" {
		return nil, errors.New("parsing SMP response: no ServiceMetadata element")
	}

	md := &ServiceMetadata{}
	if r := root.FindElement("./Redirect"); r != nil {
		md.Redirect = r.SelectAttrValue("href", "")
		return md, nil
	}

	info := root.SelectElement("ServiceInformation")
	if info == nil {
		return nil, errors.New("parsing SMP response: no ServiceInformation element")
	}
	md.ParticipantID = text(info.SelectElement("ParticipantIdentifier"))
	md.DocumentType = text(info.SelectElement("DocumentIdentifier"))

	for _, proc := range info.FindElements("./ProcessList/Process") {
		processID := text(proc.SelectElement("ProcessIdentifier"))
		for _, ep := range proc.FindElements("./ServiceEndpointList/Endpoint") {
			e := Endpoint{
				ProcessID:        processID,
				TransportProfile: ep.SelectAttrValue("transportProfile", ""),
				Address:          text(ep.SelectElement("EndpointURI")),
				Certificate:      strings.Join(strings.Fields(text(ep.SelectElement("Certificate"))), ""),
			}
			if e.Address == "" {
				// SMP 1.0 drafts used a WS-Addressing EndpointReference.
				e.Address = text(ep.FindElement("./EndpointReference/Address"))
			}
			e.ActivatesAt = parseDate(text(ep.SelectElement("ServiceActivationDate")))
			e.ExpiresAt = parseDate(text(ep.SelectElement("ServiceExpirationDate")))
			md.Endpoints = append(md.Endpoints, e)
		}
	}
	return md, nil
}

// SelectEndpoint returns the active endpoint of processID with the most
// preferred transport profile.
func (md *ServiceMetadata) SelectEndpoint(processID string, transports []string, now time.Time) (Endpoint, error) {
	for _, tp := range transports {
		for _, e := range md.Endpoints {
			if e.ProcessID == processID && e.TransportProfile == tp && e.Address != "" && e.Active(now) {
				return e, nil
			}
		}
	}
	return Endpoint{}, fmt.Errorf("%w: process %s", ErrNoEndpoint, processID)
}

func text(e *etree.Element) string {
	if e == nil {
		return ""
	}
	return strings.TrimSpace(e.Text())
}

func parseDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
