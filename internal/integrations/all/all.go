// Package all registers every shipped integration. Importing it for side
// effects is how binaries select the full integration set.
package all

import (
	_ "github.com/measured-io/measured/internal/integrations/bluesky"
	_ "github.com/measured-io/measured/internal/integrations/facebook"
	_ "github.com/measured-io/measured/internal/integrations/github"
	_ "github.com/measured-io/measured/internal/integrations/mailchimp"
	_ "github.com/measured-io/measured/internal/integrations/plausible"
	_ "github.com/measured-io/measured/internal/integrations/postgresql"
	_ "github.com/measured-io/measured/internal/integrations/stripe"
)
