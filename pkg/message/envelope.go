package message

import (
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"
)

// SOAPNamespace returns the envelope namespace for a SOAP version ("1.1" or "1.2").
func SOAPNamespace(version string) string {
	if version == "1.1" {
		return NsSOAP11
	}
	return NsSOAP12
}

// BuildEnvelope renders m into a SOAP envelope with an empty body.
func BuildEnvelope(m *Messaging, soapNS string) (*etree.Document, error) {
	if m == nil || (m.UserMessage == nil) == (m.SignalMessage == nil) {
		return nil, fmt.Errorf("%w: messaging header must carry exactly one message", ErrInvalidMessage)
	}
	if soapNS == "" {
		soapNS = NsSOAP12
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	env := doc.CreateElement("env:Envelope")
	env.CreateAttr("xmlns:env", soapNS)
	env.CreateAttr("xmlns:eb", NsEbMS)
	env.CreateAttr("xmlns:wsu", NsWSU)

	header := env.CreateElement("env:Header")
	messaging := header.CreateElement("eb:Messaging")
	messaging.CreateAttr("env:mustUnderstand", "true")

	if m.UserMessage != nil {
		writeUserMessage(messaging, m.UserMessage)
	} else {
		writeSignalMessage(messaging, m.SignalMessage)
	}

	env.CreateElement("env:Body")
	return doc, nil
}

func writeMessageInfo(parent *etree.Element, info MessageInfo) {
	mi := parent.CreateElement("eb:MessageInfo")
	ts := info.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	mi.CreateElement("eb:Timestamp").SetText(ts.UTC().Format(time.RFC3339Nano))
	mi.CreateElement("eb:MessageId").SetText(info.MessageId)
	if info.RefToMessageId != "" {
		mi.CreateElement("eb:RefToMessageId").SetText(info.RefToMessageId)
	}
}

func writeParty(parent *etree.Element, tag string, p Party) {
	el := parent.CreateElement(tag)
	for _, id := range p.PartyId {
		pid := el.CreateElement("eb:PartyId")
		if id.Type != "" {
			pid.CreateAttr("type", id.Type)
		}
		pid.SetText(id.Value)
	}
	el.CreateElement("eb:Role").SetText(p.Role)
}

func writeProperties(parent *etree.Element, tag string, props []Property) {
	if len(props) == 0 {
		return
	}
	el := parent.CreateElement(tag)
	for _, p := range props {
		pe := el.CreateElement("eb:Property")
		pe.CreateAttr("name", p.Name)
		if p.Type != "" {
			pe.CreateAttr("type", p.Type)
		}
		pe.SetText(p.Value)
	}
}

func writeUserMessage(messaging *etree.Element, u *UserMessage) {
	um := messaging.CreateElement("eb:UserMessage")
	if u.MPC != "" {
		um.CreateAttr("mpc", u.MPC)
	}
	writeMessageInfo(um, u.MessageInfo)

	pi := um.CreateElement("eb:PartyInfo")
	writeParty(pi, "eb:From", u.PartyInfo.From)
	writeParty(pi, "eb:To", u.PartyInfo.To)

	ci := um.CreateElement("eb:CollaborationInfo")
	if ar := u.CollaborationInfo.AgreementRef; ar != nil {
		are := ci.CreateElement("eb:AgreementRef")
		if ar.Type != "" {
			are.CreateAttr("type", ar.Type)
		}
		if ar.Pmode != "" {
			are.CreateAttr("pmode", ar.Pmode)
		}
		are.SetText(ar.Value)
	}
	svc := ci.CreateElement("eb:Service")
	if u.CollaborationInfo.Service.Type != "" {
		svc.CreateAttr("type", u.CollaborationInfo.Service.Type)
	}
	svc.SetText(u.CollaborationInfo.Service.Value)
	ci.CreateElement("eb:Action").SetText(u.CollaborationInfo.Action)
	ci.CreateElement("eb:ConversationId").SetText(u.CollaborationInfo.ConversationId)

	writeProperties(um, "eb:MessageProperties", u.MessageProperties)

	if len(u.PayloadInfo) > 0 {
		pl := um.CreateElement("eb:PayloadInfo")
		for _, part := range u.PayloadInfo {
			pe := pl.CreateElement("eb:PartInfo")
			if part.Href != "" {
				pe.CreateAttr("href", part.Href)
			}
			writeProperties(pe, "eb:PartProperties", part.Properties)
		}
	}
}

func writeSignalMessage(messaging *etree.Element, s *SignalMessage) {
	sm := messaging.CreateElement("eb:SignalMessage")
	writeMessageInfo(sm, s.MessageInfo)

	if s.PullRequest != nil {
		pr := sm.CreateElement("eb:PullRequest")
		if s.PullRequest.MPC != "" {
			pr.CreateAttr("mpc", s.PullRequest.MPC)
		}
	}
	if s.Receipt != nil {
		receipt := sm.CreateElement("eb:Receipt")
		if len(s.Receipt.NonRepudiation) > 0 {
			nri := receipt.CreateElement("ebbp:NonRepudiationInformation")
			nri.CreateAttr("xmlns:ebbp", NsEBBP)
			nri.CreateAttr("xmlns:ds", NsDS)
			for _, d := range s.Receipt.NonRepudiation {
				ref := nri.CreateElement("ebbp:MessagePartNRInformation").CreateElement("ds:Reference")
				ref.CreateAttr("URI", d.URI)
				ref.CreateElement("ds:DigestMethod").CreateAttr("Algorithm", d.DigestAlgorithm)
				ref.CreateElement("ds:DigestValue").SetText(d.DigestValue)
			}
		}
	}
	for _, e := range s.Errors {
		ee := sm.CreateElement("eb:Error")
		ee.CreateAttr("errorCode", e.ErrorCode)
		ee.CreateAttr("severity", e.Severity)
		for _, a := range []struct{ name, value string }{
			{"shortDescription", e.ShortDescription},
			{"category", e.Category},
			{"origin", e.Origin},
			{"refToMessageInError", e.RefToMessageInError},
		} {
			if a.value != "" {
				ee.CreateAttr(a.name, a.value)
			}
		}
		if e.Description != "" {
			desc := ee.CreateElement("eb:Description")
			desc.CreateAttr("xml:lang", "en")
			desc.SetText(e.Description)
		}
		if e.ErrorDetail != "" {
			ee.CreateElement("eb:ErrorDetail").SetText(e.ErrorDetail)
		}
	}
}

// ParseEnvelope reads the Messaging header of a SOAP envelope.
func ParseEnvelope(doc *etree.Document) (*Messaging, error) {
	if doc == nil || doc.Root() == nil {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidMessage)
	}
	messaging := doc.FindElement("//*[local-name()='Messaging']")
	if messaging == nil {
		return nil, fmt.Errorf("%w: no Messaging header", ErrInvalidMessage)
	}

	m := &Messaging{}
	if el := child(messaging, "UserMessage"); el != nil {
		u, err := readUserMessage(el)
		if err != nil {
			return nil, err
		}
		m.UserMessage = u
	}
	if el := child(messaging, "SignalMessage"); el != nil {
		s, err := readSignalMessage(el)
		if err != nil {
			return nil, err
		}
		m.SignalMessage = s
	}
	if m.UserMessage == nil && m.SignalMessage == nil {
		return nil, fmt.Errorf("%w: Messaging header carries no message", ErrInvalidMessage)
	}
	return m, nil
}

// ParseEnvelopeBytes parses raw envelope XML.
func ParseEnvelopeBytes(data []byte) (*etree.Document, *Messaging, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	m, err := ParseEnvelope(doc)
	if err != nil {
		return nil, nil, err
	}
	return doc, m, nil
}

func child(el *etree.Element, localName string) *etree.Element {
	for _, c := range el.ChildElements() {
		if c.Tag == localName {
			return c
		}
	}
	return nil
}

func children(el *etree.Element, localName string) []*etree.Element {
	var out []*etree.Element
	for _, c := range el.ChildElements() {
		if c.Tag == localName {
			out = append(out, c)
		}
	}
	return out
}

func childText(el *etree.Element, localName string) string {
	if el == nil {
		return ""
	}
	if c := child(el, localName); c != nil {
		return strings.TrimSpace(c.Text())
	}
	return ""
}

func readMessageInfo(parent *etree.Element) (MessageInfo, error) {
	mi := child(parent, "MessageInfo")
	if mi == nil {
		return MessageInfo{}, fmt.Errorf("%w: missing MessageInfo", ErrInvalidMessage)
	}
	info := MessageInfo{
		MessageId:      childText(mi, "MessageId"),
		RefToMessageId: childText(mi, "RefToMessageId"),
	}
	if info.MessageId == "" {
		return info, fmt.Errorf("%w: missing MessageId", ErrInvalidMessage)
	}
	if ts := childText(mi, "Timestamp"); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return info, fmt.Errorf("%w: bad Timestamp %q", ErrInvalidMessage, ts)
		}
		info.Timestamp = t
	}
	return info, nil
}

func readParty(el *etree.Element) Party {
	var p Party
	if el == nil {
		return p
	}
	for _, pid := range children(el, "PartyId") {
		p.PartyId = append(p.PartyId, PartyId{
			Type:  pid.SelectAttrValue("type", ""),
			Value: strings.TrimSpace(pid.Text()),
		})
	}
	p.Role = childText(el, "Role")
	return p
}

func readProperties(el *etree.Element) []Property {
	if el == nil {
		return nil
	}
	var props []Property
	for _, pe := range children(el, "Property") {
		props = append(props, Property{
			Name:  pe.SelectAttrValue("name", ""),
			Type:  pe.SelectAttrValue("type", ""),
			Value: strings.TrimSpace(pe.Text()),
		})
	}
	return props
}

func readUserMessage(el *etree.Element) (*UserMessage, error) {
	info, err := readMessageInfo(el)
	if err != nil {
		return nil, err
	}
	u := &UserMessage{
		MPC:         el.SelectAttrValue("mpc", ""),
		MessageInfo: info,
	}
	if pi := child(el, "PartyInfo"); pi != nil {
		u.PartyInfo.From = readParty(child(pi, "From"))
		u.PartyInfo.To = readParty(child(pi, "To"))
	}
	if ci := child(el, "CollaborationInfo"); ci != nil {
		if ar := child(ci, "AgreementRef"); ar != nil {
			u.CollaborationInfo.AgreementRef = &AgreementRef{
				Type:  ar.SelectAttrValue("type", ""),
				Pmode: ar.SelectAttrValue("pmode", ""),
				Value: strings.TrimSpace(ar.Text()),
			}
		}
		if svc := child(ci, "Service"); svc != nil {
			u.CollaborationInfo.Service = Service{
				Type:  svc.SelectAttrValue("type", ""),
				Value: strings.TrimSpace(svc.Text()),
			}
		}
		u.CollaborationInfo.Action = childText(ci, "Action")
		u.CollaborationInfo.ConversationId = childText(ci, "ConversationId")
	}
	u.MessageProperties = readProperties(child(el, "MessageProperties"))
	if pl := child(el, "PayloadInfo"); pl != nil {
		for _, pe := range children(pl, "PartInfo") {
			u.PayloadInfo = append(u.PayloadInfo, PartInfo{
				Href:       pe.SelectAttrValue("href", ""),
				Properties: readProperties(child(pe, "PartProperties")),
			})
		}
	}
	return u, nil
}

func readSignalMessage(el *etree.Element) (*SignalMessage, error) {
	info, err := readMessageInfo(el)
	if err != nil {
		return nil, err
	}
	s := &SignalMessage{MessageInfo: info}
	if pr := child(el, "PullRequest"); pr != nil {
		s.PullRequest = &PullRequest{MPC: pr.SelectAttrValue("mpc", "")}
	}
	if r := child(el, "Receipt"); r != nil {
		s.Receipt = &Receipt{}
		for _, ref := range r.FindElements(".//*[local-name()='Reference']") {
			d := PartDigest{
				URI:         ref.SelectAttrValue("URI", ""),
				DigestValue: childText(ref, "DigestValue"),
			}
			if dm := child(ref, "DigestMethod"); dm != nil {
				d.DigestAlgorithm = dm.SelectAttrValue("Algorithm", "")
			}
			s.Receipt.NonRepudiation = append(s.Receipt.NonRepudiation, d)
		}
	}
	for _, ee := range children(el, "Error") {
		s.Errors = append(s.Errors, Error{
			ErrorCode:           ee.SelectAttrValue("errorCode", ""),
			Severity:            ee.SelectAttrValue("severity", ""),
			ShortDescription:    ee.SelectAttrValue("shortDescription", ""),
			Category:            ee.SelectAttrValue("category", ""),
			Origin:              ee.SelectAttrValue("origin", ""),
			RefToMessageInError: ee.SelectAttrValue("refToMessageInError", ""),
			Description:         childText(ee, "Description"),
			ErrorDetail:         childText(ee, "ErrorDetail"),
		})
	}
	return s, nil
}
