package nio

const Version = "0.1.0"
