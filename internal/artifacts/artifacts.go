package artifacts

import _ "embed"

// Settings is the default settings.yaml. Fields missing from the operator's
// file keep these values.
//
//go:embed settings.yaml
var Settings []byte
