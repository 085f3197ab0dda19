package receipt

import "github.com/sirupsen/logrus"

var log = logrus.WithField("prefix", "receipt")
