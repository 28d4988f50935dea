// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package transport moves AS4 messages over HTTPS: the outbound push client
used by the sender and the listener in front of the inbound handler.

DefaultHTTPSConfig allows TLS 1.2 and 1.3 with the ECDHE AES-GCM suites of
the eDelivery AS4 profile.

# Client Usage

Create and use an HTTPS client:

	client := transport.NewHTTPSClient(&transport.HTTPSConfig{
	    MinTLSVersion: transport.TLS12,
	    Certificates:  []tls.Certificate{clientCert},
	    RootCAs:       certPool,
	})

	resp, err := client.Transmit(ctx, "https://receiver.example.com/as4", body, contentType)

Connection failures, timeouts and 5xx answers come back as retryable
communication errors (see message.IsRetryable). Every other answer is
returned as a Response so that the caller can read receipts and error
signals from it.

# Server Usage

Create an HTTPS server in front of an http.Handler:

	server := transport.NewHTTPSServer(":8443", "/as4", &transport.HTTPSConfig{
	    MinTLSVersion: transport.TLS12,
	    ClientAuth:    tls.RequireAndVerifyClientCert,
	    ClientCAs:     clientCAPool,
	}, handler)

The server only accepts POST on the AS4 path and answers /health. With
RateLimit set, each peer gets a token bucket keyed by its client
certificate subject, or by remote host without mutual TLS, and requests
over the limit get 429 with Retry-After.

# References

  - eDelivery AS4 Transport: https://ec.europa.eu/digital-building-blocks/sites/spaces/DIGITAL/
  - TLS 1.3 RFC 8446: https://datatracker.ietf.org/doc/html/rfc8446
  - TLS 1.2 RFC 5246: https://datatracker.ietf.org/doc/html/rfc5246
*/
package transport
