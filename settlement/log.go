package settlement

import "github.com/sirupsen/logrus"

var log = logrus.WithField("prefix", "settlement")
