package pmode

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/beevik/etree"

	"github.com/sirosfoundation/as4-engine/pkg/compression"
)

// ElementName is the tag of a persisted PMode.
const ElementName = "PMode"

// ToElement renders the PMode in its persisted element layout. Zero values
// are omitted so that reading the element back yields an equal value.
func (p *PMode) ToElement() *etree.Element {
	el := etree.NewElement(ElementName)
	el.CreateAttr("id", p.ID)
	setTime(el, "createdAt", p.CreatedAt)
	setTime(el, "lastModifiedAt", p.LastModifiedAt)
	setTime(el, "deletedAt", p.DeletedAt)

	writeParty(el, "Initiator", p.Initiator)
	writeParty(el, "Responder", p.Responder)
	if p.Agreement != "" {
		el.CreateElement("Agreement").SetText(p.Agreement)
	}
	el.CreateElement("MEP").SetText(string(p.MEP))
	el.CreateElement("MEPBinding").SetText(string(p.MEPBinding))
	writeLeg(el, "Leg1", p.Leg1)
	writeLeg(el, "Leg2", p.Leg2)
	if ps := p.PayloadService; ps != nil {
		e := el.CreateElement("PayloadService")
		setStr(e, "compression", string(ps.Compression))
	}
	if ra := p.ReceptionAwareness; ra != nil {
		e := el.CreateElement("ReceptionAwareness")
		setBool(e, "enabled", ra.Enabled)
		setBool(e, "retry", ra.Retry)
		setInt(e, "maxRetries", ra.MaxRetries)
		if ra.RetryInterval != 0 {
			e.CreateAttr("retryInterval", ra.RetryInterval.String())
		}
		setBool(e, "duplicateDetection", ra.DuplicateDetection)
	}
	return el
}

// MarshalXML serializes the PMode as a standalone document.
func (p *PMode) MarshalXML() ([]byte, error) {
	doc := etree.NewDocument()
	doc.SetRoot(p.ToElement())
	return doc.WriteToBytes()
}

// UnmarshalXML parses a document produced by MarshalXML.
func UnmarshalXML(data []byte) (*PMode, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("parsing pmode document: %w", err)
	}
	return FromElement(doc.Root())
}

// FromElement reads a PMode written by ToElement. The result is not validated.
func FromElement(el *etree.Element) (*PMode, error) {
	if el == nil || el.Tag != ElementName {
		return nil, fmt.Errorf("expected <%s> element", ElementName)
	}
	r := &reader{}
	p := &PMode{
		ID:             el.SelectAttrValue("id", ""),
		CreatedAt:      r.timeAttr(el, "createdAt"),
		LastModifiedAt: r.timeAttr(el, "lastModifiedAt"),
		DeletedAt:      r.timeAttr(el, "deletedAt"),
		Initiator:      readParty(el.SelectElement("Initiator")),
		Responder:      readParty(el.SelectElement("Responder")),
		Agreement:      childText(el, "Agreement"),
		MEP:            MEP(childText(el, "MEP")),
		MEPBinding:     MEPBinding(childText(el, "MEPBinding")),
		Leg1:           r.leg(el.SelectElement("Leg1")),
		Leg2:           r.leg(el.SelectElement("Leg2")),
	}
	if e := el.SelectElement("PayloadService"); e != nil {
		p.PayloadService = &PayloadService{Compression: compression.Mode(e.SelectAttrValue("compression", ""))}
	}
	if e := el.SelectElement("ReceptionAwareness"); e != nil {
		p.ReceptionAwareness = &ReceptionAwareness{
			Enabled:            r.boolAttr(e, "enabled"),
			Retry:              r.boolAttr(e, "retry"),
			MaxRetries:         r.intAttr(e, "maxRetries"),
			RetryInterval:      r.retryInterval(e),
			DuplicateDetection: r.boolAttr(e, "duplicateDetection"),
		}
	}
	if r.err != nil {
		return nil, fmt.Errorf("reading pmode %q: %w", p.ID, r.err)
	}
	return p, nil
}

func writeParty(parent *etree.Element, tag string, party *Party) {
	if party == nil {
		return
	}
	e := parent.CreateElement(tag)
	setStr(e, "id", party.ID)
	setStr(e, "type", party.Type)
	setStr(e, "role", party.Role)
}

func readParty(e *etree.Element) *Party {
	if e == nil {
		return nil
	}
	return &Party{
		ID:   e.SelectAttrValue("id", ""),
		Type: e.SelectAttrValue("type", ""),
		Role: e.SelectAttrValue("role", ""),
	}
}

func writeLeg(parent *etree.Element, tag string, leg *Leg) {
	if leg == nil {
		return
	}
	el := parent.CreateElement(tag)
	if pr := leg.Protocol; pr != nil {
		e := el.CreateElement("Protocol")
		setStr(e, "address", pr.Address)
		setStr(e, "soapVersion", string(pr.SOAPVersion))
	}
	if bi := leg.BusinessInfo; bi != nil {
		e := el.CreateElement("BusinessInformation")
		setStr(e, "service", bi.Service)
		setStr(e, "serviceType", bi.ServiceType)
		setStr(e, "action", bi.Action)
		setStr(e, "mpcID", bi.MPCID)
		setInt(e, "maxSizeKB", bi.MaxSizeKB)
		for _, prop := range bi.Properties {
			pe := e.CreateElement("Property")
			setStr(pe, "name", prop.Name)
			setStr(pe, "description", prop.Description)
			setStr(pe, "dataType", prop.DataType)
			setBool(pe, "required", prop.Required)
		}
		for _, pp := range bi.PayloadProfiles {
			pe := e.CreateElement("PayloadProfile")
			setStr(pe, "name", pp.Name)
			setStr(pe, "mimeType", pp.MimeType)
			setStr(pe, "xsdFilename", pp.XSDFilename)
			setInt(pe, "maxSizeKB", pp.MaxSizeKB)
			setBool(pe, "required", pp.Required)
		}
	}
	if eh := leg.ErrorHandling; eh != nil {
		e := el.CreateElement("ErrorHandling")
		setStr(e, "reportSenderErrorsTo", eh.ReportSenderErrorsTo)
		setStr(e, "reportReceiverErrorsTo", eh.ReportReceiverErrorsTo)
		setBool(e, "reportAsResponse", eh.ReportAsResponse)
		setBool(e, "processErrorNotifyConsumer", eh.ReportProcessErrorNotifyConsumer)
		setBool(e, "processErrorNotifyProducer", eh.ReportProcessErrorNotifyProducer)
		setBool(e, "deliveryFailuresNotifyProducer", eh.ReportDeliveryFailuresNotifyProducer)
	}
	if rel := leg.Reliability; rel != nil {
		e := el.CreateElement("Reliability")
		setBool(e, "atLeastOnceContract", rel.AtLeastOnceContract)
		setBool(e, "atLeastOnceAckOnDelivery", rel.AtLeastOnceAckOnDelivery)
		setStr(e, "atLeastOnceContractAcksTo", rel.AtLeastOnceContractAcksTo)
		setBool(e, "atLeastOnceAckResponse", rel.AtLeastOnceAckResponse)
		setStr(e, "atLeastOnceReplyPattern", string(rel.AtLeastOnceReplyPattern))
		setBool(e, "atMostOnceContract", rel.AtMostOnceContract)
		setBool(e, "inOrderContract", rel.InOrderContract)
		setBool(e, "startGroup", rel.StartGroup)
		setBool(e, "terminateGroup", rel.TerminateGroup)
		for _, c := range rel.Correlation {
			e.CreateElement("Correlation").SetText(c)
		}
	}
	if sec := leg.Security; sec != nil {
		e := el.CreateElement("Security")
		setStr(e, "wssVersion", string(sec.WSSVersion))
		setStr(e, "signAlgorithm", string(sec.SignAlgorithm))
		setStr(e, "signDigestAlgorithm", string(sec.SignDigestAlgorithm))
		setStr(e, "encryptAlgorithm", string(sec.EncryptAlgorithm))
		setInt(e, "encryptMinimumStrength", sec.EncryptMinimumStrength)
		setStr(e, "encryptAlias", sec.EncryptAlias)
		setBool(e, "pmodeAuthorize", sec.PModeAuthorize)
		setBool(e, "sendReceipt", sec.SendReceipt)
		setStr(e, "replyPattern", string(sec.ReplyPattern))
		setBool(e, "nonRepudiation", sec.NonRepudiation)
		if sec.EncryptCertificate != nil {
			e.CreateElement("EncryptCertificate").SetText(base64.StdEncoding.EncodeToString(sec.EncryptCertificate))
		}
	}
}

// reader accumulates the first conversion error so the layout can be read
// without checking each attribute.
type reader struct {
	err error
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *reader) leg(el *etree.Element) *Leg {
	if el == nil {
		return nil
	}
	leg := &Leg{}
	if e := el.SelectElement("Protocol"); e != nil {
		leg.Protocol = &Protocol{
			Address:     e.SelectAttrValue("address", ""),
			SOAPVersion: SOAPVersion(e.SelectAttrValue("soapVersion", "")),
		}
	}
	if e := el.SelectElement("BusinessInformation"); e != nil {
		bi := &BusinessInfo{
			Service:     e.SelectAttrValue("service", ""),
			ServiceType: e.SelectAttrValue("serviceType", ""),
			Action:      e.SelectAttrValue("action", ""),
			MPCID:       e.SelectAttrValue("mpcID", ""),
			MaxSizeKB:   r.intAttr(e, "maxSizeKB"),
		}
		for _, pe := range e.SelectElements("Property") {
			bi.Properties = append(bi.Properties, Property{
				Name:        pe.SelectAttrValue("name", ""),
				Description: pe.SelectAttrValue("description", ""),
				DataType:    pe.SelectAttrValue("dataType", ""),
				Required:    r.boolAttr(pe, "required"),
			})
		}
		for _, pe := range e.SelectElements("PayloadProfile") {
			bi.PayloadProfiles = append(bi.PayloadProfiles, PayloadProfile{
				Name:        pe.SelectAttrValue("name", ""),
				MimeType:    pe.SelectAttrValue("mimeType", ""),
				XSDFilename: pe.SelectAttrValue("xsdFilename", ""),
				MaxSizeKB:   r.intAttr(pe, "maxSizeKB"),
				Required:    r.boolAttr(pe, "required"),
			})
		}
		leg.BusinessInfo = bi
	}
	if e := el.SelectElement("ErrorHandling"); e != nil {
		leg.ErrorHandling = &ErrorHandling{
			ReportSenderErrorsTo:                 e.SelectAttrValue("reportSenderErrorsTo", ""),
			ReportReceiverErrorsTo:               e.SelectAttrValue("reportReceiverErrorsTo", ""),
			ReportAsResponse:                     r.boolAttr(e, "reportAsResponse"),
			ReportProcessErrorNotifyConsumer:     r.boolAttr(e, "processErrorNotifyConsumer"),
			ReportProcessErrorNotifyProducer:     r.boolAttr(e, "processErrorNotifyProducer"),
			ReportDeliveryFailuresNotifyProducer: r.boolAttr(e, "deliveryFailuresNotifyProducer"),
		}
	}
	if e := el.SelectElement("Reliability"); e != nil {
		rel := &Reliability{
			AtLeastOnceContract:       r.boolAttr(e, "atLeastOnceContract"),
			AtLeastOnceAckOnDelivery:  r.boolAttr(e, "atLeastOnceAckOnDelivery"),
			AtLeastOnceContractAcksTo: e.SelectAttrValue("atLeastOnceContractAcksTo", ""),
			AtLeastOnceAckResponse:    r.boolAttr(e, "atLeastOnceAckResponse"),
			AtLeastOnceReplyPattern:   ReplyPattern(e.SelectAttrValue("atLeastOnceReplyPattern", "")),
			AtMostOnceContract:        r.boolAttr(e, "atMostOnceContract"),
			InOrderContract:           r.boolAttr(e, "inOrderContract"),
			StartGroup:                r.boolAttr(e, "startGroup"),
			TerminateGroup:            r.boolAttr(e, "terminateGroup"),
		}
		for _, c := range e.SelectElements("Correlation") {
			rel.Correlation = append(rel.Correlation, c.Text())
		}
		leg.Reliability = rel
	}
	if e := el.SelectElement("Security"); e != nil {
		sec := &LegSecurity{
			WSSVersion:             WSSVersion(e.SelectAttrValue("wssVersion", "")),
			SignAlgorithm:          SignatureAlgorithm(e.SelectAttrValue("signAlgorithm", "")),
			SignDigestAlgorithm:    HashAlgorithm(e.SelectAttrValue("signDigestAlgorithm", "")),
			EncryptAlgorithm:       DataEncryptionAlgorithm(e.SelectAttrValue("encryptAlgorithm", "")),
			EncryptMinimumStrength: r.intAttr(e, "encryptMinimumStrength"),
			EncryptAlias:           e.SelectAttrValue("encryptAlias", ""),
			PModeAuthorize:         r.boolAttr(e, "pmodeAuthorize"),
			SendReceipt:            r.boolAttr(e, "sendReceipt"),
			ReplyPattern:           ReplyPattern(e.SelectAttrValue("replyPattern", "")),
			NonRepudiation:         r.boolAttr(e, "nonRepudiation"),
		}
		if ce := e.SelectElement("EncryptCertificate"); ce != nil {
			der, err := base64.StdEncoding.DecodeString(ce.Text())
			if err != nil {
				r.fail(fmt.Errorf("EncryptCertificate: %w", err))
			}
			sec.EncryptCertificate = der
		}
		leg.Security = sec
	}
	return leg
}

func (r *reader) boolAttr(e *etree.Element, name string) bool {
	v := e.SelectAttrValue(name, "")
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(fmt.Errorf("attribute %s: %w", name, err))
	}
	return b
}

func (r *reader) intAttr(e *etree.Element, name string) int {
	v := e.SelectAttrValue(name, "")
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(fmt.Errorf("attribute %s: %w", name, err))
	}
	return n
}

// retryInterval reads the interval as a Go duration. Documents written
// before durations were stored carry whole milliseconds in retryIntervalMS.
func (r *reader) retryInterval(e *etree.Element) time.Duration {
	v := e.SelectAttrValue("retryInterval", "")
	if v == "" {
		return time.Duration(r.intAttr(e, "retryIntervalMS")) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(fmt.Errorf("attribute retryInterval: %w", err))
	}
	return d
}

func (r *reader) timeAttr(e *etree.Element, name string) time.Time {
	v := e.SelectAttrValue(name, "")
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		r.fail(fmt.Errorf("attribute %s: %w", name, err))
	}
	return t
}

func childText(el *etree.Element, tag string) string {
	if c := el.SelectElement(tag); c != nil {
		return c.Text()
	}
	return ""
}

func setStr(e *etree.Element, name, v string) {
	if v != "" {
		e.CreateAttr(name, v)
	}
}

func setBool(e *etree.Element, name string, v bool) {
	if v {
		e.CreateAttr(name, "true")
	}
}

func setInt(e *etree.Element, name string, v int) {
	if v != 0 {
		e.CreateAttr(name, strconv.Itoa(v))
	}
}

func setTime(e *etree.Element, name string, t time.Time) {
	if !t.IsZero() {
		e.CreateAttr(name, t.UTC().Format(time.RFC3339Nano))
	}
}
