// Package packages builds the per-ecosystem package universe: built-in
// seeds, versions discovered from the registries, the metadata and
// validation cache files, and user-supplied package lists.
//
// Every list in this package is in popularity order, most popular first.
package packages

import "github.com/socketdev-demo/socket-benchmarking-tool/internal/model"

var defaultSeeds = map[model.Ecosystem][]string{
	model.NPM: {
		"react", "lodash", "chalk", "commander", "express", "axios", "debug",
		"request", "async", "moment", "typescript", "webpack", "eslint", "jest",
		"mocha", "babel-core", "core-js", "tslib", "yargs", "inquirer", "uuid",
		"dotenv", "classnames", "prop-types", "react-dom", "colors", "minimist",
		"semver", "glob", "mkdirp", "rimraf", "through2", "fs-extra", "bluebird",
		"underscore", "body-parser", "cors", "express-validator", "jsonwebtoken",
		"bcrypt", "mongoose", "sequelize", "mysql", "pg", "redis", "ws",
		"socket.io", "nodemon", "concurrently", "cross-env",
	},
	model.PyPI: {
		"requests", "urllib3", "certifi", "charset-normalizer", "idna", "six",
		"python-dateutil", "setuptools", "pip", "wheel", "packaging", "pyparsing",
		"attrs", "pytz", "importlib-metadata", "zipp", "typing-extensions",
		"pyyaml", "click", "jinja2", "markupsafe", "werkzeug", "flask", "django",
		"fastapi", "pydantic", "sqlalchemy", "psycopg2", "pymysql", "redis",
		"celery", "kombu", "amqp", "vine", "billiard", "boto3", "botocore",
		"s3transfer", "awscli", "cryptography", "cffi", "pycparser", "pyopenssl",
		"numpy", "pandas", "scipy", "matplotlib", "seaborn", "pillow", "pytest",
	},
	model.Maven: {
		"org.springframework.boot:spring-boot-starter-web",
		"org.springframework.boot:spring-boot-starter-data-jpa",
		"org.springframework.boot:spring-boot-starter-security",
		"org.springframework.boot:spring-boot-starter-test",
		"org.springframework:spring-core",
		"org.springframework:spring-context",
		"org.springframework:spring-beans",
		"com.google.guava:guava",
		"org.apache.commons:commons-lang3",
		"commons-io:commons-io",
		"com.fasterxml.jackson.core:jackson-databind",
		"com.google.code.gson:gson",
		"org.slf4j:slf4j-api",
		"ch.qos.logback:logback-classic",
		"junit:junit",
		"org.junit.jupiter:junit-jupiter",
		"org.mockito:mockito-core",
		"org.hibernate:hibernate-core",
		"mysql:mysql-connector-java",
		"org.postgresql:postgresql",
	},
}

// DefaultSeeds returns a copy of the built-in package names for eco.
func DefaultSeeds(eco model.Ecosystem) []string {
	seeds := defaultSeeds[eco]
	out := make([]string, len(seeds))
	copy(out, seeds)
	return out
}

// FallbackRecords turns names into records carrying only the ecosystem's
// fallback version. Malformed Maven coordinates are kept by name so the
// validator can classify them.
func FallbackRecords(eco model.Ecosystem, names []string) []model.PackageRecord {
	out := make([]model.PackageRecord, 0, len(names))
	for _, name := range names {
		out = append(out, fallbackRecord(eco, name))
	}
	return out
}

func fallbackRecord(eco model.Ecosystem, name string) model.PackageRecord {
	return newRecord(eco, name, []string{eco.FallbackVersion()})
}

func newRecord(eco model.Ecosystem, name string, versions []string) model.PackageRecord {
	if eco == model.Maven {
		if group, artifact, err := model.ParseCoordinates(name); err == nil {
			return model.PackageRecord{Group: group, Artifact: artifact, Versions: versions}
		}
	}
	return model.PackageRecord{Name: name, Versions: versions}
}
