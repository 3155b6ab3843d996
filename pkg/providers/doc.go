// Package providers talks to the upstream speech synthesizer.
//
// # Overview
//
// A Synthesizer turns a SynthesisRequest into an opaque audio payload over
// a given routing.Route. HTTPSynthesizer is the production implementation:
// it POSTs JSON to the upstream endpoint, either directly or through the
// relay named by the route, and returns the response body.
//
// An attempt fails when the transport errors, the upstream answers with a
// non-2xx status, or the body is empty. Retrying is the caller's concern;
// see package dispatch.
//
// # Usage
//
//	synth := providers.NewHTTPSynthesizer(providers.Config{
//	    BaseURL: "https://tts.internal",
//	    Timeout: 60 * time.Second,
//	})
//	audio, err := synth.Synthesize(ctx, routing.Direct, providers.SynthesisRequest{
//	    Text:  "hello",
//	    Voice: "en-US-AriaNeural",
//	})
package providers
