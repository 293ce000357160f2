package vault

import "github.com/sirupsen/logrus"

var log = logrus.WithField("prefix", "vault")
