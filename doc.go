// Package pythia provides layered, validated and hot-reloadable configuration
// with context-aware suggestions for keys nobody has configured yet.
//
// # Layers
//
// Configuration is assembled from prioritized layers, lowest first:
//
//	base                  <dir>/base.{json,yaml,yml,toml}
//	environment:<name>    <dir>/<name>.{json,yaml,yml,toml} (optional)
//	override              in-memory entries from Options.Overrides or WithOverride
//
// Layers are deep-merged: mappings merge key by key, anything else is replaced
// by the higher layer. Strings may reference environment variables as ${NAME}
// or ${NAME:default}. A whole-value placeholder is type-inferred, so
// "${CACHE_TTL:7200}" becomes the number 7200 when CACHE_TTL is unset. A
// variable that is unset with no default leaves the value Absent.
//
// # Snapshots
//
// Every successful load publishes an immutable Snapshot with a version number
// and a SHA-256 checksum of its canonical form. Readers never block and never
// see a partially applied reload. A candidate with hard validation failures is
// never published; the previous snapshot stays live.
//
//	mgr, err := pythia.New(ctx, pythia.Options{
//		Dir:         "config",
//		Environment: "production",
//		SchemaFile:  "config/schema.yaml",
//		HotReload:   true,
//	})
//	if err != nil {
//		log.Fatal(err) // a hard validation failure blocks startup
//	}
//	defer mgr.Close()
//	_ = mgr.Start()
//
// # Resolution
//
// A key resolves through a fixed chain, first match wins: an explicit layer
// value, a suggestion (only when the caller passes a SuggestionContext and a
// provider is configured), the caller's neutral default, and finally a
// MissingConfiguration error. Pythia never invents a business-meaningful
// number on its own:
//
//	rv, err := mgr.Resolve("thresholds.high_risk_score",
//		pythia.WithSuggestionContext(pythia.SuggestionContext{
//			Industry:     "healthcare",
//			BusinessSize: "small",
//		}))
//	if pythia.IsMissingConfiguration(err) {
//		// the caller decides what to do
//	}
//	fmt.Println(rv.Value, rv.Provenance) // 0.7 Suggested(0.8)
//
// # Validation
//
// Schemas hold type, range, required and cross-field rules. Type and required
// violations always block publication. Range and cross-field violations are
// warnings unless the validator is strict. Reports list every violation, not
// just the first.
package pythia
