package msh

import (
	"context"
	"errors"
	"log/slog"

	"github.com/beevik/etree"

	"github.com/sirosfoundation/as4-engine/pkg/attachment"
	"github.com/sirosfoundation/as4-engine/pkg/message"
	"github.com/sirosfoundation/as4-engine/pkg/msgstate"
	"github.com/sirosfoundation/as4-engine/pkg/pmode"
	"github.com/sirosfoundation/as4-engine/pkg/security"
)

// SecurityProcessor applies the security of a PMode leg to messages. It is
// the adapter between the MSH and a security.Engine.
type SecurityProcessor struct {
	engine security.Engine
	params *security.Resolver
	logger *slog.Logger
}

// NewSecurityProcessor creates a processor. A nil params resolver gets a
// default one.
func NewSecurityProcessor(engine security.Engine, params *security.Resolver, logger *slog.Logger) *SecurityProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	if params == nil {
		params = security.NewResolver(logger)
	}
	return &SecurityProcessor{
		engine: engine,
		params: params,
		logger: logger.With(slog.String("component", "msh-security")),
	}
}

// Secure signs and then encrypts doc as leg requires. Attachments must
// already be compressed so that the engine sees their container type.
func (sp *SecurityProcessor) Secure(ctx context.Context, doc *etree.Document, leg *pmode.Leg, atts attachment.List) (*etree.Document, attachment.List, error) {
	sign, crypt, err := sp.resolve(leg)
	if err != nil {
		return nil, nil, err
	}
	if (sign.IsSigningEnabled() || crypt.IsCryptEnabled()) && sp.engine == nil {
		return nil, nil, message.Errorf(message.KindSecurityFailure, message.ErrorPolicyNoncompliance, "",
			"leg requires security but no security engine is configured")
	}

	if sign.IsSigningEnabled() {
		doc, err = sp.engine.Sign(ctx, doc, sign, atts)
		if err != nil {
			return nil, nil, message.NewProcessingError(message.KindSecurityFailure, message.ErrorFailedAuthentication, "", err)
		}
	}
	if crypt.IsCryptEnabled() {
		doc, atts, err = sp.engine.Encrypt(ctx, doc, crypt, atts)
		if err != nil {
			return nil, nil, message.NewProcessingError(message.KindSecurityFailure, message.ErrorFailedDecryption, "", err)
		}
	}
	return doc, atts, nil
}

// SignSignal signs a receipt or error signal when leg requires signing.
func (sp *SecurityProcessor) SignSignal(ctx context.Context, doc *etree.Document, leg *pmode.Leg) (*etree.Document, error) {
	sign, _, err := sp.resolve(leg)
	if err != nil || !sign.IsSigningEnabled() || sp.engine == nil {
		return doc, err
	}
	signed, err := sp.engine.Sign(ctx, doc, sign, nil)
	if err != nil {
		return nil, message.NewProcessingError(message.KindSecurityFailure, message.ErrorFailedAuthentication, "", err)
	}
	return signed, nil
}

// Unsecure decrypts and then verifies an inbound message, recording the
// outcome in st. A leg that demands signing or encryption rejects a message
// that lacks it. Failures are security processing errors.
func (sp *SecurityProcessor) Unsecure(ctx context.Context, doc *etree.Document, leg *pmode.Leg, atts attachment.List, st *msgstate.State) (*etree.Document, attachment.List, error) {
	sign, crypt, err := sp.resolve(leg)
	if err != nil {
		return nil, nil, err
	}
	signed := security.IsSigned(doc)
	encrypted := security.IsEncrypted(doc)

	if crypt.IsCryptEnabled() && !encrypted && len(atts) > 0 {
		return nil, nil, message.Errorf(message.KindSecurityFailure, message.ErrorPolicyNoncompliance, "",
			"leg requires encrypted payloads")
	}
	if sign.IsSigningEnabled() && !signed {
		return nil, nil, message.Errorf(message.KindSecurityFailure, message.ErrorPolicyNoncompliance, "",
			"leg requires a signed message")
	}
	if (signed || encrypted) && sp.engine == nil {
		return nil, nil, message.Errorf(message.KindSecurityFailure, message.ErrorPolicyNoncompliance, "",
			"message is secured but no security engine is configured")
	}

	if encrypted {
		doc, atts, err = sp.engine.Decrypt(ctx, doc, atts)
		if err != nil {
			return nil, nil, message.NewProcessingError(message.KindSecurityFailure, message.ErrorFailedDecryption, "", err)
		}
		st.Decrypted = true
		st.DecryptedDocument = doc
		st.DecryptedAttachments = atts
	}

	if signed {
		cert, err := sp.engine.Verify(ctx, doc, atts)
		if err != nil {
			return nil, nil, message.NewProcessingError(message.KindSecurityFailure, message.ErrorFailedAuthentication, "", err)
		}
		st.SignatureChecked = true
		st.UsedCertificate = cert
		if cert != nil {
			sp.logger.Debug("signature verified",
				slog.String("message_id", st.MessageID()),
				slog.String("subject", cert.Subject.CommonName))
		}
	}
	return doc, atts, nil
}

// VerifySignal checks the signature of a signal when one is present.
func (sp *SecurityProcessor) VerifySignal(ctx context.Context, doc *etree.Document, st *msgstate.State) error {
	if !security.IsSigned(doc) || sp.engine == nil {
		return nil
	}
	cert, err := sp.engine.Verify(ctx, doc, nil)
	if err != nil {
		return message.NewProcessingError(message.KindSecurityFailure, message.ErrorFailedAuthentication, "", err)
	}
	st.SignatureChecked = true
	st.UsedCertificate = cert
	return nil
}

func (sp *SecurityProcessor) resolve(leg *pmode.Leg) (security.SigningParams, security.CryptParams, error) {
	var sec *pmode.LegSecurity
	if leg != nil {
		sec = leg.Security
	}
	sign, crypt, err := sp.params.Resolve(sec)
	if err != nil {
		return sign, crypt, message.NewProcessingError(message.KindProcessingModeMismatch, message.ErrorPolicyNoncompliance, "",
			errors.Join(pmode.ErrInvalid, err))
	}
	return sign, crypt, nil
}
