package wavemap

const logKeyWavelet = "wavelet"
